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

import (
	"time"
)

// Payload is the free-form body of a bus event. Values are numbers, strings
// or nested JSON-compatible structures.
type Payload map[string]interface{}

// Event pairs a payload with the wall-clock time at which it was published
// on the data bus. Events are immutable once published.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
}

// Envelope is the JSON message relayed from an edge to the controller over
// the broker, wrapping a local bus topic and its payload.
type Envelope struct {
	EdgeID string  `json:"edge_id"`
	Topic  string  `json:"topic"`
	Data   Payload `json:"data"`
}

// Registration announces an edge to the controller on `xsedge/register`.
type Registration struct {
	EdgeID  string `json:"edge_id"`
	Version string `json:"version"`
}
