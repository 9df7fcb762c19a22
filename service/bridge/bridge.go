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

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/broker"
)

// Role connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// DefaultRetryDelay is how long a role suspends after a transport failure
// before reattempting its connection.
const DefaultRetryDelay = 5 * time.Second

// outboundDepth bounds how many bus events can be queued towards the
// broker. When the queue is full, further events are dropped with a log
// line so the local bus never blocks on the bridge.
const outboundDepth = 256

// Client is the broker connection used by one bridge role.
type Client interface {
	Connect() error
	Publish(topic string, payload []byte) error
	Subscribe(filter string, handler broker.Handler) error
	Lost() <-chan struct{}
	Connected() bool
	Disconnect()
}

// Dialer creates a broker client for the given client identifier.
type Dialer func(clientID string) Client

type message struct {
	topic string
	data  []byte
}

// Bridge relays between the local data bus and the external broker. It
// runs three independent roles: a publisher for outbound telemetry, a
// listener for controller commands, and a listener for ruleset pushes. A
// transport failure in one role never tears down the others.
type Bridge struct {
	log     zerolog.Logger
	edgeID  string
	version string
	dial    Dialer
	retry   time.Duration

	out chan message

	mutex   sync.Mutex
	onCmd   func(payload []byte)
	onRules func(payload []byte)
	states  map[string]string
}

// Option configures optional bridge parameters.
type Option func(*Bridge)

// WithDialer overrides how broker clients are created.
func WithDialer(dial Dialer) Option {
	return func(b *Bridge) {
		b.dial = dial
	}
}

// WithRetryDelay overrides the reconnect back-off.
func WithRetryDelay(delay time.Duration) Option {
	return func(b *Bridge) {
		b.retry = delay
	}
}

// New creates a bridge for the given edge identity and broker endpoint.
func New(log zerolog.Logger, cfg broker.Config, edgeID string, version string, opts ...Option) *Bridge {
	b := Bridge{
		log:     log.With().Str("component", "bridge").Str("edge", edgeID).Logger(),
		edgeID:  edgeID,
		version: version,
		retry:   DefaultRetryDelay,
		out:     make(chan message, outboundDepth),
		states: map[string]string{
			"publisher": StateDisconnected,
			"commands":  StateDisconnected,
			"rules":     StateDisconnected,
		},
	}
	b.dial = func(clientID string) Client {
		role := cfg
		role.ClientID = clientID
		return broker.NewClient(log, role)
	}

	for _, opt := range opts {
		opt(&b)
	}

	return &b
}

// RandomEdgeID returns an edge identifier with a random 4-digit suffix. It
// is assigned once per process when no explicit identifier is configured.
func RandomEdgeID() string {
	return fmt.Sprintf("xsedge-%04d", 1000+rand.Intn(9000))
}

// EdgeID returns the edge identifier the bridge announces itself with.
func (b *Bridge) EdgeID() string {
	return b.edgeID
}

// Publish enqueues one bus event for relay to the controller. It never
// blocks; when the outbound queue is full the event is dropped and logged.
// It satisfies the bus publisher hook.
func (b *Bridge) Publish(topic string, payload xs.Payload) {
	envelope := xs.Envelope{
		EdgeID: b.edgeID,
		Topic:  topic,
		Data:   payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("could not encode envelope")
		return
	}

	select {
	case b.out <- message{topic: fmt.Sprintf("xsedge/%s/%s", b.edgeID, topic), data: data}:
	default:
		b.log.Warn().Str("topic", topic).Msg("outbound queue full, dropping event")
	}
}

// OnCommand registers the handler for controller commands.
func (b *Bridge) OnCommand(handler func(payload []byte)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onCmd = handler
}

// OnRules registers the handler for ruleset pushes.
func (b *Bridge) OnRules(handler func(payload []byte)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.onRules = handler
}

// Run launches the three bridge roles and blocks until the context is
// cancelled and all roles have wound down.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		b.runPublisher(ctx)
	}()
	go func() {
		defer wg.Done()
		b.runListener(ctx, "commands", []string{fmt.Sprintf("xsctrl/commands/%s", b.edgeID)}, b.command)
	}()
	go func() {
		defer wg.Done()
		b.runListener(ctx, "rules", []string{fmt.Sprintf("xsctrl/rules/%s", b.edgeID), "xsctrl/rules/all"}, b.rules)
	}()
	wg.Wait()
	return nil
}

// States returns a snapshot of the connection state of each role.
func (b *Bridge) States() map[string]string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	states := make(map[string]string, len(b.states))
	for role, state := range b.states {
		states[role] = state
	}
	return states
}

// Connected reports whether the publisher role currently holds a broker
// connection.
func (b *Bridge) Connected() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.states["publisher"] == StateConnected
}

func (b *Bridge) runPublisher(ctx context.Context) {
	log := b.log.With().Str("role", "publisher").Logger()
	client := b.dial(b.edgeID + "-pub")
	for {
		if !b.connect(ctx, "publisher", client, log) {
			return
		}

		b.announce(client, log)

	drain:
		for {
			select {
			case <-ctx.Done():
				client.Disconnect()
				return
			case <-client.Lost():
				b.setState("publisher", StateDisconnected)
				if !b.backoff(ctx) {
					return
				}
				break drain
			case msg := <-b.out:
				err := client.Publish(msg.topic, msg.data)
				if err != nil {
					log.Error().Err(err).Str("topic", msg.topic).Msg("could not publish event")
					b.setState("publisher", StateDisconnected)
					if !b.backoff(ctx) {
						return
					}
					break drain
				}
			}
		}
	}
}

func (b *Bridge) runListener(ctx context.Context, role string, filters []string, deliver func(payload []byte)) {
	log := b.log.With().Str("role", role).Logger()
	client := b.dial(fmt.Sprintf("%s-%s", b.edgeID, role))
	for {
		if !b.connect(ctx, role, client, log) {
			return
		}

		subscribed := true
		for _, filter := range filters {
			err := client.Subscribe(filter, func(topic string, payload []byte) {
				deliver(payload)
			})
			if err != nil {
				log.Error().Err(err).Str("filter", filter).Msg("could not subscribe")
				subscribed = false
				break
			}
			log.Info().Str("filter", filter).Msg("subscribed")
		}
		if !subscribed {
			b.setState(role, StateDisconnected)
			client.Disconnect()
			if !b.backoff(ctx) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			client.Disconnect()
			return
		case <-client.Lost():
			b.setState(role, StateDisconnected)
			if !b.backoff(ctx) {
				return
			}
		}
	}
}

// connect drives one role through connecting to connected, backing off on
// failure. It returns false once the context is cancelled.
func (b *Bridge) connect(ctx context.Context, role string, client Client, log zerolog.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		b.setState(role, StateConnecting)
		err := client.Connect()
		if err != nil {
			log.Warn().Err(err).Msg("could not connect to broker")
			b.setState(role, StateDisconnected)
			if !b.backoff(ctx) {
				return false
			}
			continue
		}

		b.setState(role, StateConnected)
		log.Info().Msg("connected to broker")
		return true
	}
}

// announce publishes the registration message so the controller can track
// this edge before any telemetry arrives.
func (b *Bridge) announce(client Client, log zerolog.Logger) {
	reg, err := json.Marshal(xs.Registration{EdgeID: b.edgeID, Version: b.version})
	if err != nil {
		log.Error().Err(err).Msg("could not encode registration")
		return
	}
	err = client.Publish("xsedge/register", reg)
	if err != nil {
		log.Warn().Err(err).Msg("could not announce registration")
	}
}

func (b *Bridge) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retry):
		return true
	}
}

func (b *Bridge) setState(role string, state string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.states[role] = state
}

func (b *Bridge) command(payload []byte) {
	b.mutex.Lock()
	handler := b.onCmd
	b.mutex.Unlock()
	if handler == nil {
		b.log.Warn().Msg("command received without handler")
		return
	}
	handler(payload)
}

func (b *Bridge) rules(payload []byte) {
	b.mutex.Lock()
	handler := b.onRules
	b.mutex.Unlock()
	if handler == nil {
		b.log.Warn().Msg("rules update received without handler")
		return
	}
	handler(payload)
}
