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

package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

// Store persists the command log.
type Store interface {
	SaveCommand(entry *xs.CommandLogEntry) error
}

// Transport publishes raw messages to the broker.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// Request describes one command to send to an edge.
type Request struct {
	EdgeID string     `json:"edge_id" validate:"required"`
	Action string     `json:"action" validate:"required"`
	Params xs.Payload `json:"params"`
}

// Dispatch sends commands to edges and logs each one before it leaves the
// controller. The log entry stays SENT until the matching ack arrives; a
// publish failure leaves it SENT as well, since the edge may still receive
// the command through a retained session.
type Dispatch struct {
	log       zerolog.Logger
	store     Store
	transport Transport
	validate  *validator.Validate
}

// New creates a dispatcher publishing through the given transport.
func New(log zerolog.Logger, store Store, transport Transport) *Dispatch {
	d := Dispatch{
		log:       log.With().Str("component", "dispatch").Logger(),
		store:     store,
		transport: transport,
		validate:  validator.New(),
	}

	return &d
}

// Send assigns the command a fresh identifier, logs it and publishes it to
// the target edge's command topic. The returned entry reflects the state
// of the command log after the send.
func (d *Dispatch) Send(req Request) (*xs.CommandLogEntry, error) {

	err := d.validate.Struct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid command request: %w", err)
	}

	cmdID := generateID()

	now := time.Now().UTC()
	cmd := xs.Command{
		CmdID:     cmdID,
		EdgeID:    req.EdgeID,
		Type:      xs.TypeCommand,
		Action:    req.Action,
		Params:    req.Params,
		Timestamp: now.Unix(),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("could not encode command: %w", err)
	}

	entry := xs.CommandLogEntry{
		CmdID:  cmdID,
		EdgeID: req.EdgeID,
		Command: xs.Payload{
			"action": req.Action,
			"params": req.Params,
		},
		Status: xs.CommandSent,
		SentAt: now,
	}
	err = d.store.SaveCommand(&entry)
	if err != nil {
		return nil, fmt.Errorf("could not log command: %w", err)
	}

	topic := fmt.Sprintf("xsctrl/commands/%s", req.EdgeID)
	err = d.transport.Publish(topic, data)
	if err != nil {
		return &entry, fmt.Errorf("could not publish command: %w", err)
	}

	d.log.Info().Str("cmd_id", cmdID).Str("edge", req.EdgeID).Str("action", req.Action).Msg("command dispatched")

	return &entry, nil
}

// generateID returns a random 128-bit identifier in lowercase hex, without
// the dashes of the canonical UUID form.
func generateID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
