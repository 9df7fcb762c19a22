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

package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

// TopicRoot is the topic space edges publish into.
const TopicRoot = "xsedge/"

// RegisterTopic carries edge registration announcements.
const RegisterTopic = "xsedge/register"

// Store persists the records derived from edge traffic.
type Store interface {
	SaveEdge(record *xs.EdgeRecord) error
	AckCommand(cmdID string, result string, at time.Time) error
	Ingest(envelope *xs.Envelope, at time.Time) error
}

// Broadcaster delivers raw edge traffic to the connected observers.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Handler processes one broker message from the edge topic space: it
// upserts the edge record, stores a telemetry record for every non-register
// message, correlates command acks and fans parsed telemetry out to
// observers. A message that fails any step is logged and dropped; ingest
// never stops on bad input.
type Handler struct {
	log   zerolog.Logger
	store Store
	hub   Broadcaster
	cache *ristretto.Cache
}

// NewHandler creates an ingest handler writing through the given store.
func NewHandler(log zerolog.Logger, store Store, hub Broadcaster) (*Handler, error) {

	// The cache keeps the last known record per edge, so telemetry
	// messages can refresh last-seen without erasing the version learned
	// from the registration announcement.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("could not initialize edge cache: %w", err)
	}

	h := Handler{
		log:   log.With().Str("component", "ingest").Logger(),
		store: store,
		hub:   hub,
		cache: cache,
	}

	return &h, nil
}

// Handle processes one broker message.
func (h *Handler) Handle(topic string, payload []byte) {

	if topic == RegisterTopic {
		h.register(payload)
		return
	}

	rest := strings.TrimPrefix(topic, TopicRoot)
	if rest == topic {
		h.log.Warn().Str("topic", topic).Msg("message outside edge topic space")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		h.log.Warn().Str("topic", topic).Msg("malformed edge topic")
		return
	}
	edgeID, sub := parts[0], parts[1]

	now := time.Now().UTC()
	h.touch(edgeID, now)

	// Acks are telemetry rows too; on top of the stored record they are
	// correlated with their command log entry.
	ok := h.telemetry(edgeID, sub, payload, now)
	if !ok {
		return
	}

	if strings.HasPrefix(sub, xs.AckTopicPrefix) {
		h.ack(edgeID, sub, payload, now)
	}

	// Only messages that parsed reach the observers.
	h.hub.Broadcast(payload)
}

// register upserts the edge record from a registration announcement.
func (h *Handler) register(payload []byte) {

	var reg xs.Registration
	err := json.Unmarshal(payload, &reg)
	if err != nil || reg.EdgeID == "" {
		h.log.Warn().Err(err).Msg("invalid registration announcement")
		return
	}

	record := xs.EdgeRecord{
		EdgeID:   reg.EdgeID,
		Version:  reg.Version,
		LastSeen: time.Now().UTC(),
		Status:   xs.EdgeOnline,
	}
	err = h.store.SaveEdge(&record)
	if err != nil {
		h.log.Error().Err(err).Str("edge", reg.EdgeID).Msg("could not save edge record")
		return
	}
	h.cache.Set(reg.EdgeID, record, 1)
	h.cache.Wait()

	h.log.Info().Str("edge", reg.EdgeID).Str("version", reg.Version).Msg("edge registered")
}

// touch refreshes the last-seen timestamp of an edge, preserving the
// version from its cached record when available.
func (h *Handler) touch(edgeID string, now time.Time) {

	record := xs.EdgeRecord{EdgeID: edgeID}
	cached, ok := h.cache.Get(edgeID)
	if ok {
		record = cached.(xs.EdgeRecord)
	}
	record.LastSeen = now
	record.Status = xs.EdgeOnline

	err := h.store.SaveEdge(&record)
	if err != nil {
		h.log.Error().Err(err).Str("edge", edgeID).Msg("could not refresh edge record")
		return
	}
	h.cache.Set(edgeID, record, 1)
	h.cache.Wait()
}

// ack correlates one command acknowledgment with its log entry. The
// command identifier comes from the payload, falling back to the topic
// suffix.
func (h *Handler) ack(edgeID string, sub string, payload []byte, now time.Time) {

	var body xs.Payload
	err := json.Unmarshal(payload, &body)
	if err != nil {
		h.log.Warn().Err(err).Str("edge", edgeID).Msg("invalid ack payload")
		return
	}

	cmdID, _ := body["cmd_id"].(string)
	if cmdID == "" {
		cmdID = strings.TrimPrefix(sub, xs.AckTopicPrefix)
	}
	result, _ := body["result"].(string)

	err = h.store.AckCommand(cmdID, result, now)
	if err != nil {
		h.log.Warn().Err(err).Str("edge", edgeID).Str("cmd_id", cmdID).Msg("could not correlate ack")
		return
	}

	h.log.Info().Str("edge", edgeID).Str("cmd_id", cmdID).Msg("command acknowledged")
}

// telemetry stores one telemetry message and reports whether the payload
// parsed. The envelope fields take precedence; topic-derived values fill
// in for edges publishing bare payloads.
func (h *Handler) telemetry(edgeID string, sub string, payload []byte, now time.Time) bool {

	var envelope xs.Envelope
	err := json.Unmarshal(payload, &envelope)
	if err != nil {
		h.log.Warn().Err(err).Str("edge", edgeID).Msg("invalid telemetry payload")
		return false
	}
	if envelope.EdgeID == "" {
		envelope.EdgeID = edgeID
	}
	if envelope.Topic == "" {
		envelope.Topic = sub
	}

	err = h.store.Ingest(&envelope, now)
	if err != nil {
		h.log.Error().Err(err).Str("edge", edgeID).Msg("could not store telemetry")
	}

	return true
}
