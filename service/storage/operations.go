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

package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/xsystems/xs/models/xs"
)

// SaveEdge is an operation that writes the record of an edge node, keyed by
// its edge identifier.
func (l *Library) SaveEdge(record *xs.EdgeRecord) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixEdge, record.EdgeID), record)
}

// RetrieveEdge is an operation that reads the record of an edge node.
func (l *Library) RetrieveEdge(edgeID string, record *xs.EdgeRecord) func(*badger.Txn) error {
	return l.retrieve(EncodeKey(PrefixEdge, edgeID), record)
}

// IterateEdges is an operation that invokes the callback for every stored
// edge record.
func (l *Library) IterateEdges(callback func(record xs.EdgeRecord)) func(*badger.Txn) error {
	return l.iterate(EncodeKey(PrefixEdge), false, 0, func(data []byte) error {
		var record xs.EdgeRecord
		err := l.codec.Unmarshal(data, &record)
		if err != nil {
			return fmt.Errorf("could not decode edge record: %w", err)
		}
		callback(record)
		return nil
	})
}

// SaveCommand is an operation that writes a command log entry, keyed by the
// command identifier.
func (l *Library) SaveCommand(entry *xs.CommandLogEntry) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixCommand, entry.CmdID), entry)
}

// RetrieveCommand is an operation that reads a command log entry.
func (l *Library) RetrieveCommand(cmdID string, entry *xs.CommandLogEntry) func(*badger.Txn) error {
	return l.retrieve(EncodeKey(PrefixCommand, cmdID), entry)
}

// SaveTelemetry is an operation that appends a telemetry record under the
// given sequence number, both globally and per edge.
func (l *Library) SaveTelemetry(seq uint64, record *xs.TelemetryRecord) func(*badger.Txn) error {
	return combine(
		l.save(EncodeKey(PrefixTelemetry, seq), record),
		l.save(EncodeKey(PrefixTelemetryForEdge, record.EdgeID, seq), record),
	)
}

// LatestTelemetry is an operation that reads up to limit telemetry records,
// most recent first.
func (l *Library) LatestTelemetry(limit uint, records *[]xs.TelemetryRecord) func(*badger.Txn) error {
	return l.iterate(EncodeKey(PrefixTelemetry), true, limit, func(data []byte) error {
		var record xs.TelemetryRecord
		err := l.codec.Unmarshal(data, &record)
		if err != nil {
			return fmt.Errorf("could not decode telemetry record: %w", err)
		}
		*records = append(*records, record)
		return nil
	})
}

// LatestTelemetryForEdge is an operation that reads up to limit telemetry
// records of one edge, most recent first.
func (l *Library) LatestTelemetryForEdge(edgeID string, limit uint, records *[]xs.TelemetryRecord) func(*badger.Txn) error {
	return l.iterate(EncodeKey(PrefixTelemetryForEdge, edgeID), true, limit, func(data []byte) error {
		var record xs.TelemetryRecord
		err := l.codec.Unmarshal(data, &record)
		if err != nil {
			return fmt.Errorf("could not decode telemetry record: %w", err)
		}
		*records = append(*records, record)
		return nil
	})
}

// SaveRuleset is an operation that appends the audit record of a ruleset
// upload.
func (l *Library) SaveRuleset(seq uint64, record *xs.RulesetRecord) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixRuleset, seq), record)
}

// SaveEvent is an operation that appends a bus event or rule firing to the
// edge-local event log.
func (l *Library) SaveEvent(seq uint64, event *xs.StoredEvent) func(*badger.Txn) error {
	return l.save(EncodeKey(PrefixEvent, seq), event)
}

// LatestEvents is an operation that reads up to limit edge-local events,
// most recent first.
func (l *Library) LatestEvents(limit uint, events *[]xs.StoredEvent) func(*badger.Txn) error {
	return l.iterate(EncodeKey(PrefixEvent), true, limit, func(data []byte) error {
		var event xs.StoredEvent
		err := l.codec.Unmarshal(data, &event)
		if err != nil {
			return fmt.Errorf("could not decode event: %w", err)
		}
		*events = append(*events, event)
		return nil
	})
}

func (l *Library) save(key []byte, value interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := l.codec.Marshal(value)
		if err != nil {
			return fmt.Errorf("could not encode value: %w", err)
		}
		return tx.Set(key, val)
	}
}

func (l *Library) retrieve(key []byte, value interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return xs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not get value: %w", err)
		}
		return item.Value(func(data []byte) error {
			return l.codec.Unmarshal(data, value)
		})
	}
}

func (l *Library) iterate(prefix []byte, reverse bool, limit uint, process func(data []byte) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse

		it := tx.NewIterator(opts)
		defer it.Close()

		// In reverse mode, seeking to the prefix would land before all keys
		// that carry it, so seek to the first key past the prefix range.
		seek := prefix
		if reverse {
			seek = append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}

		var count uint
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && count >= limit {
				break
			}
			err := it.Item().Value(process)
			if err != nil {
				return err
			}
			count++
		}

		return nil
	}
}

func combine(ops ...func(*badger.Txn) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		for _, op := range ops {
			err := op(tx)
			if err != nil {
				return err
			}
		}
		return nil
	}
}
