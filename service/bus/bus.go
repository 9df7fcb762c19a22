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

package bus

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

// DefaultReplayLimit is the capacity of the per-topic replay buffer.
const DefaultReplayLimit = 50

// DefaultQueueSize is the capacity of each subscriber queue. A publish
// blocks when a queue is full, which bounds how far a slow subscriber can
// fall behind.
const DefaultQueueSize = 64

// TopicStats is a consistent snapshot of the counters of one topic.
type TopicStats struct {
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
	ReplayDepth int    `json:"replay_depth"`
}

type topic struct {
	queues    []chan xs.Payload
	replay    *deque.Deque
	published uint64
}

// Bus is the in-process publish/subscribe mediator of an edge node. It
// delivers each publish to every subscriber of the topic in publish order,
// keeps a bounded replay buffer per topic, and optionally persists events
// and forwards them to an attached bridge.
type Bus struct {
	log zerolog.Logger

	mutex  sync.Mutex
	topics map[string]*topic

	store       xs.EventStore
	replayLimit int
	queueSize   int

	bridge xs.Publisher
}

// Option configures optional bus parameters.
type Option func(*Bus)

// WithReplayLimit overrides the replay buffer capacity.
func WithReplayLimit(limit int) Option {
	return func(b *Bus) {
		b.replayLimit = limit
	}
}

// WithQueueSize overrides the subscriber queue capacity.
func WithQueueSize(size int) Option {
	return func(b *Bus) {
		b.queueSize = size
	}
}

// WithStore attaches a persistence hook invoked on every publish. Hook
// failures are logged and swallowed.
func WithStore(store xs.EventStore) Option {
	return func(b *Bus) {
		b.store = store
	}
}

// New creates a new data bus.
func New(log zerolog.Logger, opts ...Option) *Bus {
	b := Bus{
		log:         log.With().Str("component", "bus").Logger(),
		topics:      make(map[string]*topic),
		replayLimit: DefaultReplayLimit,
		queueSize:   DefaultQueueSize,
	}

	for _, opt := range opts {
		opt(&b)
	}

	return &b
}

// Publish delivers the payload to every subscriber of the topic, appends it
// to the topic's replay buffer and increments the publish counter. Failures
// of the persistence hook or the bridge never fail local delivery.
func (b *Bus) Publish(topic string, payload xs.Payload) {
	now := time.Now().UTC()

	b.mutex.Lock()
	t := b.lookup(topic)
	t.published++
	t.replay.PushBack(xs.Event{Timestamp: now, Payload: payload})
	for t.replay.Len() > b.replayLimit {
		t.replay.PopFront()
	}
	queues := make([]chan xs.Payload, len(t.queues))
	copy(queues, t.queues)
	store := b.store
	bridge := b.bridge
	b.mutex.Unlock()

	if store != nil {
		err := store.SaveEvent(topic, payload)
		if err != nil {
			b.log.Error().Err(err).Str("topic", topic).Msg("could not persist event")
		}
	}

	// Sending on a full queue blocks, providing back-pressure on slow
	// subscribers. The queue snapshot is taken under the lock, so a
	// subscriber registered after this publish never sees the payload.
	for _, queue := range queues {
		queue <- payload
	}

	if bridge != nil {
		bridge.Publish(topic, payload)
	}
}

// Subscribe registers a fresh queue against the topic and returns it.
// Multiple queues per topic are allowed.
func (b *Bus) Subscribe(topic string) <-chan xs.Payload {
	queue := make(chan xs.Payload, b.queueSize)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	t := b.lookup(topic)
	t.queues = append(t.queues, queue)

	b.log.Debug().Str("topic", topic).Int("subscribers", len(t.queues)).Msg("subscriber registered")

	return queue
}

// Replay returns up to the last limit events of the topic, in publish order.
func (b *Bus) Replay(topic string, limit int) []xs.Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}

	n := t.replay.Len()
	if limit > n {
		limit = n
	}
	events := make([]xs.Event, 0, limit)
	for i := n - limit; i < n; i++ {
		events = append(events, t.replay.At(i).(xs.Event))
	}

	return events
}

// Stats returns a consistent snapshot of the per-topic counters.
func (b *Bus) Stats() map[string]TopicStats {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	stats := make(map[string]TopicStats, len(b.topics))
	for name, t := range b.topics {
		stats[name] = TopicStats{
			Published:   t.published,
			Subscribers: len(t.queues),
			ReplayDepth: t.replay.Len(),
		}
	}

	return stats
}

// AttachBridge attaches an outbound bridge that receives every subsequent
// publish. Attaching is idempotent; the last bridge wins.
func (b *Bus) AttachBridge(bridge xs.Publisher) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.bridge = bridge
	b.log.Info().Msg("bridge attached")
}

// DetachBridge removes the attached bridge, if any.
func (b *Bus) DetachBridge() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.bridge = nil
	b.log.Info().Msg("bridge detached")
}

// lookup returns the state of a topic, creating it on first use. The caller
// must hold the mutex.
func (b *Bus) lookup(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{replay: deque.New(b.replayLimit)}
		b.topics[name] = t
	}
	return t
}
