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

package action

import (
	"sort"
	"strings"
	"sync"

	"github.com/tombee/stepwise/pkg/errors"
)

// Registry maps action names to their single shared *Action.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Get returns the action registered under name, creating a default echo
// action if none exists. Repeated calls return the same pointer.
func (r *Registry) Get(name string) *Action {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actions[name]; ok {
		return a
	}
	a = &Action{Name: name}
	r.actions[name] = a
	return a
}

// Lookup returns the action registered under name without creating one.
func (r *Registry) Lookup(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Register applies opts to the action named name and returns it. An existing
// action is updated in place so existing references observe the change;
// fields not touched by opts are reset to their defaults first.
func (r *Registry) Register(name string, opts ...Option) (*Action, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &errors.ValidationError{
			Field:      "name",
			Message:    "action name is required",
			Suggestion: "give every action a unique, non-empty name",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recipe := Action{Name: name}
	for _, opt := range opts {
		opt(&recipe)
	}
	recipe.Name = name

	if a, ok := r.actions[name]; ok {
		*a = recipe
		return a, nil
	}
	a := &recipe
	r.actions[name] = a
	return a, nil
}

// MustRegister is like Register but panics on an invalid name. It is meant
// for package-level registration of known actions.
func (r *Registry) MustRegister(name string, opts ...Option) *Action {
	a, err := r.Register(name, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Actions returns the registered actions ordered by name.
func (r *Registry) Actions() []*Action {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(names))
	for _, name := range names {
		if a, ok := r.actions[name]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Clear forgets every registered action. Pointers held elsewhere stay valid
// but are no longer reachable through the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = make(map[string]*Action)
}
