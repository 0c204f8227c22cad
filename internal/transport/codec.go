// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bytes"
	"math"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v as MessagePack. Struct fields use their json tags.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack data into v. Values decoded into interfaces
// are normalized: integers become int64 (unsigned values above
// math.MaxInt64 stay uint64), floats float64, maps map[string]any and
// arrays []any.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	normalizeTarget(reflect.ValueOf(v))
	return nil
}

var (
	anyMapType   = reflect.TypeOf(map[string]any(nil))
	anySliceType = reflect.TypeOf([]any(nil))
)

// normalizeTarget walks the decoded target and rewrites the dynamic values
// held by its empty-interface fields, maps and slices.
func normalizeTarget(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalizeTarget(v.Elem())
		}
	case reflect.Interface:
		if v.IsNil() || v.NumMethod() != 0 || !v.CanSet() {
			return
		}
		v.Set(reflect.ValueOf(normalize(v.Interface())))
	case reflect.Map:
		if !v.IsNil() && v.Type().ConvertibleTo(anyMapType) {
			normalize(v.Convert(anyMapType).Interface())
		}
	case reflect.Slice:
		if !v.IsNil() && v.Type().ConvertibleTo(anySliceType) {
			normalize(v.Convert(anySliceType).Interface())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				normalizeTarget(f)
			}
		}
	}
}

// normalize converts unsigned integers to int64 in place through nested
// maps and slices. Non-nil x never becomes nil.
func normalize(x any) any {
	switch t := x.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	}
	return x
}
