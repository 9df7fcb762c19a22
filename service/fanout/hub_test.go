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

package fanout_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/xsystems/xs/service/fanout"
)

type fakeConn struct {
	writes   [][]byte
	writeErr error
	closed   bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestHub_Broadcast(t *testing.T) {
	hub := fanout.New(zerolog.Nop())

	first := &fakeConn{}
	second := &fakeConn{}
	hub.Add(first)
	hub.Add(second)
	assert.Equal(t, 2, hub.Count())

	hub.Broadcast([]byte(`{"edge_id":"xsedge-1234"}`))

	assert.Len(t, first.writes, 1)
	assert.Len(t, second.writes, 1)
	assert.Equal(t, `{"edge_id":"xsedge-1234"}`, string(first.writes[0]))
}

func TestHub_BroadcastDropsFailedObserver(t *testing.T) {
	hub := fanout.New(zerolog.Nop())

	healthy := &fakeConn{}
	broken := &fakeConn{writeErr: errors.New("connection reset")}
	hub.Add(healthy)
	hub.Add(broken)

	hub.Broadcast([]byte(`one`))

	// The broken observer is removed and closed; the healthy one stays.
	assert.Equal(t, 1, hub.Count())
	assert.True(t, broken.closed)
	assert.Len(t, healthy.writes, 1)

	hub.Broadcast([]byte(`two`))
	assert.Len(t, healthy.writes, 2)
}

func TestHub_Remove(t *testing.T) {
	hub := fanout.New(zerolog.Nop())

	conn := &fakeConn{}
	hub.Add(conn)
	hub.Remove(conn)

	assert.Zero(t, hub.Count())
	assert.True(t, conn.closed)

	// Removing twice is harmless.
	hub.Remove(conn)
	assert.Zero(t, hub.Count())
}
