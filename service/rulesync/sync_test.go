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

package rulesync_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/rules"
	"github.com/xsystems/xs/service/rulesync"
	"github.com/xsystems/xs/testing/mocks"
)

type recordedAck struct {
	topic   string
	payload xs.Payload
}

type recordingBus struct {
	acks []recordedAck
}

func (r *recordingBus) Publish(topic string, payload xs.Payload) {
	r.acks = append(r.acks, recordedAck{topic: topic, payload: payload})
}

func TestSync_ApplyBareArray(t *testing.T) {
	bus := &recordingBus{}
	engine := rules.New(zerolog.Nop(), mocks.BaselineEventStore(t))
	path := filepath.Join(t.TempDir(), "state", "rules.json")

	sync := rulesync.New(zerolog.Nop(), "xsedge-1234", bus, engine, path)

	payload := []byte(`[{"name":"HighLatency","if":"network_latency>150","then":"alert"}]`)
	require.NoError(t, sync.Apply(payload))

	require.Len(t, engine.Rules(), 1)
	assert.Equal(t, "HighLatency", engine.Rules()[0].Name)

	// The ruleset was persisted, creating the parent directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HighLatency")

	require.Len(t, bus.acks, 1)
	assert.Equal(t, "ack/rules_update/xsedge-1234", bus.acks[0].topic)
	assert.Equal(t, "xsedge-1234", bus.acks[0].payload["edge_id"])
	assert.Equal(t, xs.StatusAck, bus.acks[0].payload["status"])
	assert.Equal(t, 1, bus.acks[0].payload["count"])
}

func TestSync_ApplyWrappedDocument(t *testing.T) {
	bus := &recordingBus{}
	engine := rules.New(zerolog.Nop(), mocks.BaselineEventStore(t))
	path := filepath.Join(t.TempDir(), "rules.json")

	sync := rulesync.New(zerolog.Nop(), "xsedge-1234", bus, engine, path)

	payload := []byte(`{"rules":[
		{"name":"HighLatency","if":"network_latency>150","then":"alert"},
		{"name":"LowEnergy","if":"energy_level<30","then":"alert"}
	]}`)
	require.NoError(t, sync.Apply(payload))

	require.Len(t, engine.Rules(), 2)
	require.Len(t, bus.acks, 1)
	assert.Equal(t, 2, bus.acks[0].payload["count"])
}

func TestSync_ApplyInvalidPayloadKeepsRuleset(t *testing.T) {
	bus := &recordingBus{}
	engine := rules.New(zerolog.Nop(), mocks.BaselineEventStore(t))
	path := filepath.Join(t.TempDir(), "rules.json")

	sync := rulesync.New(zerolog.Nop(), "xsedge-1234", bus, engine, path)

	require.NoError(t, sync.Apply([]byte(`[{"name":"HighLatency","if":"network_latency>150","then":"alert"}]`)))
	require.Len(t, engine.Rules(), 1)
	bus.acks = nil

	// Malformed JSON changes nothing and produces no ack.
	assert.Error(t, sync.Apply([]byte(`{not json`)))
	assert.Len(t, engine.Rules(), 1)
	assert.Empty(t, bus.acks)

	// A push that does not compile keeps the active ruleset and the
	// persisted file.
	assert.Error(t, sync.Apply([]byte(`[{"name":"Broken","if":"exec('rm')","then":"alert"}]`)))
	assert.Len(t, engine.Rules(), 1)
	assert.Empty(t, bus.acks)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HighLatency")
}
