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

package ingest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/ingest"
	"github.com/xsystems/xs/testing/mocks"
)

type fakeHub struct {
	broadcasts [][]byte
}

func (f *fakeHub) Broadcast(data []byte) {
	f.broadcasts = append(f.broadcasts, data)
}

func TestHandler_Register(t *testing.T) {
	var saved []*xs.EdgeRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveEdgeFunc = func(record *xs.EdgeRecord) error {
		saved = append(saved, record)
		return nil
	}

	hub := &fakeHub{}
	handler, err := ingest.NewHandler(zerolog.Nop(), store, hub)
	require.NoError(t, err)

	handler.Handle("xsedge/register", []byte(`{"edge_id":"xsedge-1234","version":"1.2.0"}`))

	require.Len(t, saved, 1)
	assert.Equal(t, "xsedge-1234", saved[0].EdgeID)
	assert.Equal(t, "1.2.0", saved[0].Version)
	assert.Equal(t, xs.EdgeOnline, saved[0].Status)
	assert.False(t, saved[0].LastSeen.IsZero())

	// Registration announcements are not fanned out to observers.
	assert.Empty(t, hub.broadcasts)
}

func TestHandler_TelemetryRefreshesEdge(t *testing.T) {
	var saved []*xs.EdgeRecord
	var ingested []*xs.Envelope
	store := mocks.BaselineRecordStore(t)
	store.SaveEdgeFunc = func(record *xs.EdgeRecord) error {
		saved = append(saved, record)
		return nil
	}
	store.IngestFunc = func(envelope *xs.Envelope, at time.Time) error {
		ingested = append(ingested, envelope)
		return nil
	}

	hub := &fakeHub{}
	handler, err := ingest.NewHandler(zerolog.Nop(), store, hub)
	require.NoError(t, err)

	handler.Handle("xsedge/register", []byte(`{"edge_id":"xsedge-1234","version":"1.2.0"}`))
	handler.Handle("xsedge/xsedge-1234/network/metrics", []byte(`{"edge_id":"xsedge-1234","topic":"network/metrics","data":{"network_latency":200}}`))

	require.Len(t, ingested, 1)
	assert.Equal(t, "xsedge-1234", ingested[0].EdgeID)
	assert.Equal(t, "network/metrics", ingested[0].Topic)
	assert.Equal(t, 200.0, ingested[0].Data["network_latency"])

	// Only the parsed telemetry message reaches the observers.
	assert.Len(t, hub.broadcasts, 1)

	// The telemetry refresh keeps the version from the registration.
	require.Len(t, saved, 2)
	assert.Equal(t, "1.2.0", saved[1].Version)
	assert.Equal(t, xs.EdgeOnline, saved[1].Status)
}

func TestHandler_TelemetryFromUnknownEdge(t *testing.T) {
	var saved []*xs.EdgeRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveEdgeFunc = func(record *xs.EdgeRecord) error {
		saved = append(saved, record)
		return nil
	}

	handler, err := ingest.NewHandler(zerolog.Nop(), store, &fakeHub{})
	require.NoError(t, err)

	// An edge never registered still gets a record from its traffic.
	handler.Handle("xsedge/xsedge-9999/network/metrics", []byte(`{"data":{"network_latency":80}}`))

	require.Len(t, saved, 1)
	assert.Equal(t, "xsedge-9999", saved[0].EdgeID)
	assert.Empty(t, saved[0].Version)
}

func TestHandler_AckCorrelation(t *testing.T) {
	var acked []string
	var results []string
	var ingested []*xs.Envelope
	store := mocks.BaselineRecordStore(t)
	store.AckCommandFunc = func(cmdID string, result string, at time.Time) error {
		acked = append(acked, cmdID)
		results = append(results, result)
		return nil
	}
	store.IngestFunc = func(envelope *xs.Envelope, at time.Time) error {
		ingested = append(ingested, envelope)
		return nil
	}

	handler, err := ingest.NewHandler(zerolog.Nop(), store, &fakeHub{})
	require.NoError(t, err)

	handler.Handle("xsedge/xsedge-1234/ack/abc123", []byte(`{"cmd_id":"abc123","edge_id":"xsedge-1234","status":"ack","result":"Reloaded 2 rules"}`))

	require.Equal(t, []string{"abc123"}, acked)
	assert.Equal(t, []string{"Reloaded 2 rules"}, results)

	// The ack is stored as a telemetry record on top of the correlation.
	require.Len(t, ingested, 1)
	assert.Equal(t, "xsedge-1234", ingested[0].EdgeID)
	assert.Equal(t, "ack/abc123", ingested[0].Topic)

	// Without a cmd_id in the payload, the topic suffix is used.
	handler.Handle("xsedge/xsedge-1234/ack/def456", []byte(`{"status":"ack"}`))
	assert.Equal(t, []string{"abc123", "def456"}, acked)
	assert.Len(t, ingested, 2)

	// An ack for an unknown command is logged and dropped.
	store.AckCommandFunc = func(string, string, time.Time) error {
		return errors.New("not found")
	}
	handler.Handle("xsedge/xsedge-1234/ack/nope", []byte(`{"cmd_id":"nope"}`))
}

func TestHandler_MalformedInput(t *testing.T) {
	var ingested int
	store := mocks.BaselineRecordStore(t)
	store.IngestFunc = func(*xs.Envelope, time.Time) error {
		ingested++
		return nil
	}

	hub := &fakeHub{}
	handler, err := ingest.NewHandler(zerolog.Nop(), store, hub)
	require.NoError(t, err)

	// None of these panic, store telemetry or reach the observers.
	handler.Handle("other/topic", []byte(`{}`))
	handler.Handle("xsedge/xsedge-1234", []byte(`{}`))
	handler.Handle("xsedge/xsedge-1234/network/metrics", []byte(`not json`))
	handler.Handle("xsedge/register", []byte(`not json`))

	assert.Zero(t, ingested)
	assert.Empty(t, hub.broadcasts)
}
