// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package xs

// Rule is a named boolean predicate over numeric context variables, with an
// opaque action tag. Rule ordering is not significant and firings are
// independent of each other.
type Rule struct {
	Name string `json:"name"`
	If   string `json:"if"`
	Then string `json:"then"`
}

// Context maps variable names to their current numeric values. It is
// assembled per-publish from an event payload and discarded afterwards.
type Context map[string]float64
