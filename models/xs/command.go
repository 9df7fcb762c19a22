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

// TypeCommand is the message type tag carried by controller commands.
const TypeCommand = "command"

// Command is a controller-issued instruction delivered to a single edge on
// its command topic. The rules field is only set for `reload_rules` commands
// that carry an inline ruleset.
type Command struct {
	CmdID     string  `json:"cmd_id"`
	EdgeID    string  `json:"edge_id"`
	Type      string  `json:"type,omitempty"`
	Action    string  `json:"action"`
	Params    Payload `json:"params,omitempty"`
	Rules     []Rule  `json:"rules,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// ActionReloadRules asks the edge to persist an inline ruleset and reload
// its rules engine.
const ActionReloadRules = "reload_rules"

// StatusAck is the status carried by every edge acknowledgement.
const StatusAck = "ack"

// Ack confirms execution of a controller-issued command or rules push. The
// edge publishes exactly one ack per command on an `ack/`-prefixed bus topic.
type Ack struct {
	CmdID  string `json:"cmd_id,omitempty"`
	EdgeID string `json:"edge_id"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// AckTopicPrefix is the bus topic prefix shared by all acknowledgements.
// The controller treats any relayed inner topic with this prefix as an ack.
const AckTopicPrefix = "ack/"
