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

package broker

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Config describes one broker endpoint. The broker is reached over plain
// TCP or over WebSocket on the `/mqtt` path.
type Config struct {
	Host      string
	Port      uint16
	WebSocket bool
	ClientID  string
}

// URL returns the paho broker URL for the configured transport.
func (c Config) URL() string {
	if c.WebSocket {
		return fmt.Sprintf("ws://%s:%d/mqtt", c.Host, c.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Handler consumes one broker message.
type Handler func(topic string, payload []byte)

// Client is a thin wrapper around a paho MQTT client. Reconnection is left
// to the caller so each worker can apply its own back-off policy; the
// client only reports connection loss through the Lost channel.
type Client struct {
	log    zerolog.Logger
	client mqtt.Client

	mutex sync.Mutex
	lost  chan struct{}
}

// NewClient creates a client for the given broker endpoint.
func NewClient(log zerolog.Logger, cfg Config) *Client {
	c := Client{
		log:  log.With().Str("component", "broker").Str("client", cfg.ClientID).Logger(),
		lost: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn().Err(err).Msg("broker connection lost")
			c.mutex.Lock()
			close(c.lost)
			c.mutex.Unlock()
		})

	c.client = mqtt.NewClient(opts)

	return &c
}

// Connect establishes the broker connection and arms a fresh loss signal.
func (c *Client) Connect() error {
	c.mutex.Lock()
	c.lost = make(chan struct{})
	c.mutex.Unlock()

	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Publish sends one message and waits for the transport to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers the handler for the given topic filter. Messages are
// delivered in broker-delivery order.
func (c *Client) Subscribe(filter string, handler Handler) error {
	token := c.client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Lost returns a channel that is closed when the current connection drops.
func (c *Client) Lost() <-chan struct{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lost
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect closes the connection, allowing a short drain window.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}
