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
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xsystems/xs/service/broker"
)

// DefaultRetryDelay is how long the listener waits after a transport
// failure before reconnecting.
const DefaultRetryDelay = 5 * time.Second

// Client is the broker connection the listener consumes from.
type Client interface {
	Connect() error
	Subscribe(filter string, handler broker.Handler) error
	Lost() <-chan struct{}
	Disconnect()
}

// Listener holds the controller's subscription to the edge topic space,
// reconnecting with a fixed back-off whenever the broker connection drops.
type Listener struct {
	log     zerolog.Logger
	client  Client
	handler *Handler
	retry   time.Duration
}

// ListenerOption configures optional listener parameters.
type ListenerOption func(*Listener)

// WithRetryDelay overrides the reconnect back-off.
func WithRetryDelay(delay time.Duration) ListenerOption {
	return func(l *Listener) {
		l.retry = delay
	}
}

// NewListener creates a listener feeding broker messages to the handler.
func NewListener(log zerolog.Logger, client Client, handler *Handler, opts ...ListenerOption) *Listener {
	l := Listener{
		log:     log.With().Str("component", "ingest").Logger(),
		client:  client,
		handler: handler,
		retry:   DefaultRetryDelay,
	}

	for _, opt := range opts {
		opt(&l)
	}

	return &l
}

// Run subscribes to the edge topic space and processes messages until the
// context is cancelled.
func (l *Listener) Run(ctx context.Context) error {

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := l.client.Connect()
		if err != nil {
			l.log.Warn().Err(err).Msg("could not connect to broker")
			if !l.backoff(ctx) {
				return nil
			}
			continue
		}

		err = l.client.Subscribe(TopicRoot+"#", l.handler.Handle)
		if err != nil {
			l.log.Error().Err(err).Msg("could not subscribe to edge topics")
			l.client.Disconnect()
			if !l.backoff(ctx) {
				return nil
			}
			continue
		}

		l.log.Info().Msg("listening for edge traffic")

		select {
		case <-ctx.Done():
			l.client.Disconnect()
			return nil
		case <-l.client.Lost():
			l.log.Warn().Msg("broker connection lost, reconnecting")
			if !l.backoff(ctx) {
				return nil
			}
		}
	}
}

func (l *Listener) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.retry):
		return true
	}
}
