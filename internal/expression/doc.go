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


// Package expression evaluates the small expressions used by definition
// files: fan-out lists, worker affinity and observer judgements.
//
// Expressions use expr-lang syntax and see the task parameters:
//
//	params.paths                      // fan-out over a list input
//	int(params.shard) % 4             // affinity
//	len(params.results.scan) > 0      // judge
//	has(params.tags, "urgent")
//	"urgent" in params.tags
//
// Besides params, the environment exposes expansion (the current fan-out
// token) and results (earlier results keyed by action name).
//
// The evaluator caches compiled expressions.
//
// Note: The expr library uses "contains" as a string operator (for substring matching),
// so use "in" or "has()" for array membership checks.
package expression
