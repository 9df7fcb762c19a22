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

package bridge_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/bridge"
	"github.com/xsystems/xs/service/broker"
)

type published struct {
	topic string
	data  []byte
}

type fakeClient struct {
	mutex      sync.Mutex
	connects   int
	connectErr error
	lost       chan struct{}
	armed      []chan struct{}
	published  chan published
	handlers   map[string]broker.Handler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		lost:      make(chan struct{}),
		published: make(chan published, 64),
		handlers:  make(map[string]broker.Handler),
	}
}

func (f *fakeClient) Connect() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.lost = make(chan struct{})
	f.armed = append(f.armed, f.lost)
	return nil
}

func (f *fakeClient) Publish(topic string, payload []byte) error {
	f.published <- published{topic: topic, data: payload}
	return nil
}

func (f *fakeClient) Subscribe(filter string, handler broker.Handler) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.handlers[filter] = handler
	return nil
}

func (f *fakeClient) Lost() <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.lost
}

func (f *fakeClient) Connected() bool {
	return true
}

func (f *fakeClient) Disconnect() {}

func (f *fakeClient) deliver(t *testing.T, filter string, payload []byte) {
	t.Helper()
	f.mutex.Lock()
	handler, ok := f.handlers[filter]
	f.mutex.Unlock()
	require.True(t, ok, "no handler registered for %s", filter)
	handler(filter, payload)
}

// dropConnection closes every loss channel armed so far, so each role sees
// the disconnect regardless of which connect attempt it observed.
func (f *fakeClient) dropConnection() {
	f.mutex.Lock()
	armed := f.armed
	f.armed = nil
	f.mutex.Unlock()
	for _, c := range armed {
		close(c)
	}
}

func receive(t *testing.T, c chan published) published {
	t.Helper()
	select {
	case msg := <-c:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

func TestBridge_PublisherRelaysEvents(t *testing.T) {
	client := newFakeClient()
	b := bridge.New(zerolog.Nop(), broker.Config{}, "xsedge-1234", "1.0.0",
		bridge.WithDialer(func(string) bridge.Client { return client }),
		bridge.WithRetryDelay(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	// The first publish is the registration announcement.
	msg := receive(t, client.published)
	assert.Equal(t, "xsedge/register", msg.topic)

	var reg xs.Registration
	require.NoError(t, json.Unmarshal(msg.data, &reg))
	assert.Equal(t, "xsedge-1234", reg.EdgeID)
	assert.Equal(t, "1.0.0", reg.Version)

	b.Publish("network/metrics", xs.Payload{"network_latency": 200.0})

	msg = receive(t, client.published)
	assert.Equal(t, "xsedge/xsedge-1234/network/metrics", msg.topic)

	var envelope xs.Envelope
	require.NoError(t, json.Unmarshal(msg.data, &envelope))
	assert.Equal(t, "xsedge-1234", envelope.EdgeID)
	assert.Equal(t, "network/metrics", envelope.Topic)
	assert.Equal(t, 200.0, envelope.Data["network_latency"])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func TestBridge_ListenersDeliverPayloads(t *testing.T) {
	client := newFakeClient()
	b := bridge.New(zerolog.Nop(), broker.Config{}, "xsedge-1234", "1.0.0",
		bridge.WithDialer(func(string) bridge.Client { return client }),
		bridge.WithRetryDelay(time.Millisecond),
	)

	commands := make(chan []byte, 1)
	updates := make(chan []byte, 1)
	b.OnCommand(func(payload []byte) { commands <- payload })
	b.OnRules(func(payload []byte) { updates <- payload })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	// Wait for all subscriptions to be registered.
	require.Eventually(t, func() bool {
		client.mutex.Lock()
		defer client.mutex.Unlock()
		return len(client.handlers) == 3
	}, time.Second, time.Millisecond)

	client.deliver(t, "xsctrl/commands/xsedge-1234", []byte(`{"action":"reload_rules"}`))
	select {
	case payload := <-commands:
		assert.JSONEq(t, `{"action":"reload_rules"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("command was not delivered")
	}

	client.deliver(t, "xsctrl/rules/all", []byte(`[]`))
	select {
	case payload := <-updates:
		assert.Equal(t, `[]`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("rules update was not delivered")
	}
}

func TestBridge_ReconnectsAfterLoss(t *testing.T) {
	client := newFakeClient()
	b := bridge.New(zerolog.Nop(), broker.Config{}, "xsedge-1234", "1.0.0",
		bridge.WithDialer(func(string) bridge.Client { return client }),
		bridge.WithRetryDelay(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	receive(t, client.published) // registration

	client.dropConnection()

	// All three roles reconnect, and the publisher announces again.
	msg := receive(t, client.published)
	assert.Equal(t, "xsedge/register", msg.topic)
}

func TestBridge_PublishNeverBlocks(t *testing.T) {
	// No running publisher; the outbound queue fills up and further
	// events are dropped without blocking the caller.
	b := bridge.New(zerolog.Nop(), broker.Config{}, "xsedge-1234", "1.0.0")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish("network/metrics", xs.Payload{"network_latency": float64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestBridge_States(t *testing.T) {
	b := bridge.New(zerolog.Nop(), broker.Config{}, "xsedge-1234", "1.0.0")

	states := b.States()
	assert.Equal(t, bridge.StateDisconnected, states["publisher"])
	assert.Equal(t, bridge.StateDisconnected, states["commands"])
	assert.Equal(t, bridge.StateDisconnected, states["rules"])
	assert.False(t, b.Connected())
}
