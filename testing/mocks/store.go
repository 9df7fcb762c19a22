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

package mocks

import (
	"testing"
	"time"

	"github.com/xsystems/xs/models/xs"
)

type EventStore struct {
	SaveEventFunc  func(topic string, payload xs.Payload) error
	SaveFiringFunc func(rule string, ctx xs.Context) error
}

func BaselineEventStore(t *testing.T) *EventStore {
	t.Helper()

	s := EventStore{
		SaveEventFunc: func(string, xs.Payload) error {
			return nil
		},
		SaveFiringFunc: func(string, xs.Context) error {
			return nil
		},
	}

	return &s
}

func (s *EventStore) SaveEvent(topic string, payload xs.Payload) error {
	return s.SaveEventFunc(topic, payload)
}

func (s *EventStore) SaveFiring(rule string, ctx xs.Context) error {
	return s.SaveFiringFunc(rule, ctx)
}

type RecordStore struct {
	SaveEdgeFunc    func(record *xs.EdgeRecord) error
	SaveCommandFunc func(entry *xs.CommandLogEntry) error
	AckCommandFunc  func(cmdID string, result string, at time.Time) error
	SaveRulesetFunc func(record *xs.RulesetRecord) error
	IngestFunc      func(envelope *xs.Envelope, at time.Time) error
}

func BaselineRecordStore(t *testing.T) *RecordStore {
	t.Helper()

	s := RecordStore{
		SaveEdgeFunc: func(*xs.EdgeRecord) error {
			return nil
		},
		SaveCommandFunc: func(*xs.CommandLogEntry) error {
			return nil
		},
		AckCommandFunc: func(string, string, time.Time) error {
			return nil
		},
		SaveRulesetFunc: func(*xs.RulesetRecord) error {
			return nil
		},
		IngestFunc: func(*xs.Envelope, time.Time) error {
			return nil
		},
	}

	return &s
}

func (s *RecordStore) SaveEdge(record *xs.EdgeRecord) error {
	return s.SaveEdgeFunc(record)
}

func (s *RecordStore) SaveCommand(entry *xs.CommandLogEntry) error {
	return s.SaveCommandFunc(entry)
}

func (s *RecordStore) AckCommand(cmdID string, result string, at time.Time) error {
	return s.AckCommandFunc(cmdID, result, at)
}

func (s *RecordStore) SaveRuleset(record *xs.RulesetRecord) error {
	return s.SaveRulesetFunc(record)
}

func (s *RecordStore) Ingest(envelope *xs.Envelope, at time.Time) error {
	return s.IngestFunc(envelope, at)
}
