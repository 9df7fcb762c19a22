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

package index

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v2"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/storage"
)

// Writer is the single serialized writer for the embedded store. It is
// shared across workers; all mutations go through its mutex so the
// underlying store only ever sees one writer at a time.
type Writer struct {
	sync.Mutex

	db  *badger.DB
	lib *storage.Library

	// seq is seeded with the wall clock so sequence numbers keep increasing
	// across process restarts.
	seq int64
}

// NewWriter creates a writer for the given store using the given storage
// library.
func NewWriter(db *badger.DB, lib *storage.Library) *Writer {
	w := Writer{
		db:  db,
		lib: lib,
		seq: time.Now().UnixNano(),
	}

	return &w
}

// SaveEdge upserts the record of an edge node.
func (w *Writer) SaveEdge(record *xs.EdgeRecord) error {
	w.Lock()
	defer w.Unlock()
	return w.db.Update(w.lib.SaveEdge(record))
}

// SaveTelemetry appends one telemetry record.
func (w *Writer) SaveTelemetry(record *xs.TelemetryRecord) error {
	w.Lock()
	defer w.Unlock()
	return w.db.Update(w.lib.SaveTelemetry(w.next(), record))
}

// SaveCommand writes one command log entry.
func (w *Writer) SaveCommand(entry *xs.CommandLogEntry) error {
	w.Lock()
	defer w.Unlock()
	return w.db.Update(w.lib.SaveCommand(entry))
}

// AckCommand transitions the command log entry for the given command
// identifier from SENT to ACK, recording the result and ack timestamp. An
// entry already acknowledged is left untouched, so the transition happens
// exactly once and never reverses.
func (w *Writer) AckCommand(cmdID string, result string, at time.Time) error {
	w.Lock()
	defer w.Unlock()
	return w.db.Update(func(tx *badger.Txn) error {
		var entry xs.CommandLogEntry
		err := w.lib.RetrieveCommand(cmdID, &entry)(tx)
		if err != nil {
			return fmt.Errorf("could not retrieve command: %w", err)
		}
		if entry.Status == xs.CommandAcked {
			return nil
		}
		entry.Status = xs.CommandAcked
		entry.Result = result
		entry.AckedAt = &at
		return w.lib.SaveCommand(&entry)(tx)
	})
}

// SaveRuleset appends the audit record of one ruleset upload.
func (w *Writer) SaveRuleset(record *xs.RulesetRecord) error {
	w.Lock()
	defer w.Unlock()
	return w.db.Update(w.lib.SaveRuleset(w.next(), record))
}

// SaveEvent appends one bus event to the edge-local event log. It satisfies
// the event store hook of the data bus.
func (w *Writer) SaveEvent(topic string, payload xs.Payload) error {
	event := xs.StoredEvent{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	w.Lock()
	defer w.Unlock()
	return w.db.Update(w.lib.SaveEvent(w.next(), &event))
}

// SaveFiring appends one rule firing to the edge-local event log, keyed by
// the rule name. It satisfies the firing store hook of the rules engine.
func (w *Writer) SaveFiring(rule string, ctx xs.Context) error {
	payload := make(xs.Payload, len(ctx))
	for name, value := range ctx {
		payload[name] = value
	}
	return w.SaveEvent(rule, payload)
}

// Ingest appends a telemetry record from a raw envelope, encoding the data
// field as JSON for storage.
func (w *Writer) Ingest(envelope *xs.Envelope, at time.Time) error {
	data, err := json.Marshal(envelope.Data)
	if err != nil {
		return fmt.Errorf("could not encode telemetry data: %w", err)
	}
	record := xs.TelemetryRecord{
		EdgeID:    envelope.EdgeID,
		Topic:     envelope.Topic,
		Data:      data,
		Timestamp: at,
	}
	return w.SaveTelemetry(&record)
}

func (w *Writer) next() uint64 {
	return uint64(atomic.AddInt64(&w.seq, 1))
}
