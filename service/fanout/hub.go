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

package fanout

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the subset of a websocket connection the hub needs. Gorilla
// connections satisfy it directly.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub fans broker traffic out to the connected observers. A write failure
// drops that observer only; the remaining observers still receive the
// message.
type Hub struct {
	log zerolog.Logger

	mutex     sync.Mutex
	observers map[Conn]struct{}
}

// New creates an empty observer hub.
func New(log zerolog.Logger) *Hub {
	h := Hub{
		log:       log.With().Str("component", "fanout").Logger(),
		observers: make(map[Conn]struct{}),
	}

	return &h
}

// Add registers one observer connection.
func (h *Hub) Add(conn Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.observers[conn] = struct{}{}
	h.log.Debug().Int("observers", len(h.observers)).Msg("observer added")
}

// Remove deregisters one observer connection and closes it.
func (h *Hub) Remove(conn Conn) {
	h.mutex.Lock()
	_, ok := h.observers[conn]
	delete(h.observers, conn)
	h.mutex.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.observers)
}

// Broadcast delivers one text message to every observer, dropping the
// observers whose connection no longer accepts writes.
func (h *Hub) Broadcast(data []byte) {

	h.mutex.Lock()
	observers := make([]Conn, 0, len(h.observers))
	for conn := range h.observers {
		observers = append(observers, conn)
	}
	h.mutex.Unlock()

	for _, conn := range observers {
		err := conn.WriteMessage(websocket.TextMessage, data)
		if err != nil {
			h.log.Debug().Err(err).Msg("dropping observer after failed write")
			h.Remove(conn)
		}
	}
}
