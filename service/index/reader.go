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
	"github.com/dgraph-io/badger/v2"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/storage"
)

// Reader provides read-only access to the records of the embedded store.
type Reader struct {
	db  *badger.DB
	lib *storage.Library
}

// NewReader creates a reader for the given store using the given storage
// library.
func NewReader(db *badger.DB, lib *storage.Library) *Reader {
	r := Reader{
		db:  db,
		lib: lib,
	}

	return &r
}

// Edge returns the record of the edge node with the given identifier.
func (r *Reader) Edge(edgeID string) (*xs.EdgeRecord, error) {
	var record xs.EdgeRecord
	err := r.db.View(r.lib.RetrieveEdge(edgeID, &record))
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Edges returns the records of all known edge nodes.
func (r *Reader) Edges() ([]xs.EdgeRecord, error) {
	var records []xs.EdgeRecord
	err := r.db.View(r.lib.IterateEdges(func(record xs.EdgeRecord) {
		records = append(records, record)
	}))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Command returns the command log entry for the given command identifier.
func (r *Reader) Command(cmdID string) (*xs.CommandLogEntry, error) {
	var entry xs.CommandLogEntry
	err := r.db.View(r.lib.RetrieveCommand(cmdID, &entry))
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LatestTelemetry returns up to limit telemetry records, most recent first.
func (r *Reader) LatestTelemetry(limit uint) ([]xs.TelemetryRecord, error) {
	var records []xs.TelemetryRecord
	err := r.db.View(r.lib.LatestTelemetry(limit, &records))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TelemetryForEdge returns up to limit telemetry records of one edge, most
// recent first.
func (r *Reader) TelemetryForEdge(edgeID string, limit uint) ([]xs.TelemetryRecord, error) {
	var records []xs.TelemetryRecord
	err := r.db.View(r.lib.LatestTelemetryForEdge(edgeID, limit, &records))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LatestEvents returns up to limit edge-local events, most recent first.
func (r *Reader) LatestEvents(limit uint) ([]xs.StoredEvent, error) {
	var events []xs.StoredEvent
	err := r.db.View(r.lib.LatestEvents(limit, &events))
	if err != nil {
		return nil, err
	}
	return events, nil
}
