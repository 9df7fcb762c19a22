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

package command

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

// Bus publishes events on the local data bus.
type Bus interface {
	Publish(topic string, payload xs.Payload)
}

// Engine reloads and reports the active ruleset.
type Engine interface {
	Load(path string) error
	Rules() []xs.Rule
}

// Handler executes controller commands on the edge and acknowledges each
// one exactly once on the local bus, so the bridge relays the ack back to
// the controller. Execution failure still produces an ack; its result
// describes the failure.
type Handler struct {
	log    zerolog.Logger
	edgeID string
	bus    Bus
	engine Engine
	path   string
}

// NewHandler creates a command handler writing ruleset updates to the
// given path.
func NewHandler(log zerolog.Logger, edgeID string, bus Bus, engine Engine, path string) *Handler {
	h := Handler{
		log:    log.With().Str("component", "command").Logger(),
		edgeID: edgeID,
		bus:    bus,
		engine: engine,
		path:   path,
	}

	return &h
}

// Execute decodes and runs one command payload from the bridge. A payload
// that does not decode is dropped, as no command identifier is available
// to acknowledge.
func (h *Handler) Execute(payload []byte) error {

	var cmd xs.Command
	err := json.Unmarshal(payload, &cmd)
	if err != nil {
		return fmt.Errorf("could not decode command: %w", err)
	}
	if cmd.CmdID == "" {
		return fmt.Errorf("missing command identifier")
	}

	h.log.Info().Str("cmd_id", cmd.CmdID).Str("action", cmd.Action).Msg("command received")

	var result string
	switch cmd.Action {
	case xs.ActionReloadRules:
		result = h.reloadRules(cmd)
	default:
		result = fmt.Sprintf("Unhandled action: %s", cmd.Action)
	}

	ack := xs.Payload{
		"cmd_id":  cmd.CmdID,
		"edge_id": h.edgeID,
		"status":  xs.StatusAck,
		"result":  result,
	}
	h.bus.Publish(xs.AckTopicPrefix+cmd.CmdID, ack)

	return nil
}

// reloadRules persists the inline ruleset and reloads the engine from it.
// The file is written to a temporary sibling and renamed into place, so a
// crash mid-write never leaves a truncated ruleset behind.
func (h *Handler) reloadRules(cmd xs.Command) string {

	data, err := json.Marshal(cmd.Rules)
	if err != nil {
		return fmt.Sprintf("could not encode rules: %s", err)
	}

	tmp := filepath.Join(filepath.Dir(h.path), fmt.Sprintf(".%s.tmp", filepath.Base(h.path)))
	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Sprintf("could not write rules file: %s", err)
	}
	err = os.Rename(tmp, h.path)
	if err != nil {
		return fmt.Sprintf("could not replace rules file: %s", err)
	}

	err = h.engine.Load(h.path)
	if err != nil {
		return fmt.Sprintf("could not reload rules: %s", err)
	}

	return fmt.Sprintf("Reloaded %d rules", len(h.engine.Rules()))
}
