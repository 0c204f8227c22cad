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

/*
Package action defines named units of work and the registry that owns them.

An Action is a recipe: the work function, an optional one-time setup and
teardown pair run once per hosted worker process, a fan-out function that
expands one step into several invocations, and an affinity function that picks
the worker within a pool. The name is the only identity. A Registry hands out
one *Action per name, and re-registering a name mutates that same value, so
every plan step already holding the pointer sees the new recipe.

	reg := action.NewRegistry()
	reg.Register("resize",
	    action.WithWork(func(ctx context.Context, p action.Params) (any, error) {
	        return resize(ctx, p["path"].(string))
	    }),
	    action.WithFanout(func(p action.Params) ([]any, error) {
	        return p.Slice("paths"), nil
	    }),
	    action.WithMergeAsList(true),
	)

Registries are plain values. Build one at program start and pass it to the
components that need it; a hosted worker process must build an identical one
before calling executor.ServeWorker.

Registration is guarded by a mutex, but changing a recipe while tasks for the
same name are in flight is not supported.
*/
package action
