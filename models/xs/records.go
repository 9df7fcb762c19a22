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

// Edge statuses as tracked by the controller.
const (
	EdgeOnline  = "ONLINE"
	EdgeOffline = "OFFLINE"
)

// EdgeRecord is the controller's view of a single edge node. It is created
// on first registration and mutated on every register or telemetry arrival,
// never deleted.
type EdgeRecord struct {
	EdgeID   string    `json:"edge_id"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
	Status   string    `json:"status"`
}

// TelemetryRecord is one ingested edge message, appended with a server-side
// timestamp. The data field holds the JSON-encoded payload as received.
type TelemetryRecord struct {
	EdgeID    string    `json:"edge_id"`
	Topic     string    `json:"topic"`
	Data      []byte    `json:"-"`
	Timestamp time.Time `json:"ts"`
}

// Command log statuses. An entry transitions SENT to ACK exactly once and
// never back.
const (
	CommandSent   = "SENT"
	CommandAcked  = "ACK"
	CommandFailed = "FAILED"
)

// CommandLogEntry tracks one dispatched command and its acknowledgement.
type CommandLogEntry struct {
	CmdID   string     `json:"cmd_id"`
	EdgeID  string     `json:"edge_id"`
	Command Payload    `json:"command"`
	Status  string     `json:"status"`
	Result  string     `json:"result,omitempty"`
	SentAt  time.Time  `json:"ts_sent"`
	AckedAt *time.Time `json:"ts_ack,omitempty"`
}

// BroadcastTarget is the sentinel edge identifier for rulesets pushed to all
// edges at once.
const BroadcastTarget = "ALL"

// RulesetRecord is the audit trail of one ruleset upload, append-only.
type RulesetRecord struct {
	EdgeID     string    `json:"edge_id"`
	Rules      []Rule    `json:"rules"`
	UploadedAt time.Time `json:"ts_uploaded"`
}

// Firing records one rule whose predicate evaluated to true against a
// context, persisted by the rules engine through its storage hook.
type Firing struct {
	Rule      string    `json:"rule"`
	Context   Context   `json:"context"`
	Timestamp time.Time `json:"ts"`
}

// StoredEvent is one bus event persisted on the edge for the local metrics
// surface.
type StoredEvent struct {
	Topic     string    `json:"topic"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"ts"`
}
