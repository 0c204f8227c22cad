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
Package observer judges the results of plan steps over a sliding window and
fires a trigger when enough recent judgements were positive.

An Observer names the steps it watches. Results are buffered per step name
across calls to Do; once every watched step has reported, the judge runs on
the parameters overlaid with the buffered results and its verdict enters the
window. Whenever the positive share of the window reaches TriggerRate the
trigger runs with the last judged results and the window starts over.

Observers plug into plans through MergePlan, which unions the watched steps
of every ready observer and can append one step per observer depending on
everything else, and through Register, which turns an observer into an
action a hosted worker can run.
*/
package observer
