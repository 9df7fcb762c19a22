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

package bus_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/bus"
	"github.com/xsystems/xs/testing/mocks"
)

func TestBus_DeliveryOrder(t *testing.T) {
	b := bus.New(zerolog.Nop())

	queue := b.Subscribe("network/metrics")

	for i := 0; i < 10; i++ {
		b.Publish("network/metrics", xs.Payload{"seq": float64(i)})
	}

	for i := 0; i < 10; i++ {
		payload := <-queue
		assert.Equal(t, float64(i), payload["seq"])
	}
}

func TestBus_SubscriberAddedAfterPublish(t *testing.T) {
	b := bus.New(zerolog.Nop())

	b.Publish("energy/status", xs.Payload{"energy_level": 80})

	queue := b.Subscribe("energy/status")

	select {
	case payload := <-queue:
		t.Fatalf("unexpected payload: %v", payload)
	default:
	}

	b.Publish("energy/status", xs.Payload{"energy_level": 90})

	payload := <-queue
	assert.Equal(t, 90, payload["energy_level"])
}

func TestBus_ReplayBound(t *testing.T) {
	b := bus.New(zerolog.Nop())

	for i := 0; i < 60; i++ {
		b.Publish("network/metrics", xs.Payload{"seq": i})
	}

	events := b.Replay("network/metrics", 100)
	require.Len(t, events, bus.DefaultReplayLimit)

	// The buffer holds publishes 11..60 in publish order.
	for i, event := range events {
		assert.Equal(t, i+10, event.Payload["seq"])
	}

	events = b.Replay("network/metrics", 5)
	require.Len(t, events, 5)
	assert.Equal(t, 55, events[0].Payload["seq"])
	assert.Equal(t, 59, events[4].Payload["seq"])

	assert.Empty(t, b.Replay("unknown/topic", 10))
}

func TestBus_Stats(t *testing.T) {
	b := bus.New(zerolog.Nop(), bus.WithReplayLimit(2))

	b.Subscribe("network/metrics")
	b.Subscribe("network/metrics")

	for i := 0; i < 3; i++ {
		b.Publish("network/metrics", xs.Payload{"seq": i})
	}

	// Drain so publishes never block on the bounded queues.
	stats := b.Stats()
	require.Contains(t, stats, "network/metrics")
	assert.Equal(t, uint64(3), stats["network/metrics"].Published)
	assert.Equal(t, 2, stats["network/metrics"].Subscribers)
	assert.Equal(t, 2, stats["network/metrics"].ReplayDepth)
}

func TestBus_StoreFailureDoesNotBlockDelivery(t *testing.T) {
	store := mocks.BaselineEventStore(t)
	store.SaveEventFunc = func(topic string, payload xs.Payload) error {
		return errors.New("dummy error")
	}

	b := bus.New(zerolog.Nop(), bus.WithStore(store))

	queue := b.Subscribe("network/metrics")
	b.Publish("network/metrics", xs.Payload{"network_latency": 120})

	payload := <-queue
	assert.Equal(t, 120, payload["network_latency"])
}

func TestBus_BridgeForwarding(t *testing.T) {
	published := make(map[string]xs.Payload)
	bridge := mocks.BaselinePublisher(t)
	bridge.PublishFunc = func(topic string, payload xs.Payload) {
		published[topic] = payload
	}

	b := bus.New(zerolog.Nop())
	b.AttachBridge(bridge)

	b.Publish("network/metrics", xs.Payload{"network_latency": 80})
	require.Contains(t, published, "network/metrics")

	b.DetachBridge()
	b.Publish("energy/status", xs.Payload{"energy_level": 50})
	assert.NotContains(t, published, "energy/status")
}
