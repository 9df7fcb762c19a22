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

package ctrl

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xsystems/xs/service/fanout"
)

// Hub registers observer connections for the telemetry fan-out.
type Hub interface {
	Add(conn fanout.Conn)
	Remove(conn fanout.Conn)
}

// Observer upgrades one HTTP connection to a websocket and registers it as
// a telemetry observer. The read loop only serves to detect the peer going
// away; observers never send data.
type Observer struct {
	hub      Hub
	upgrader websocket.Upgrader
}

// NewObserver creates the websocket endpoint for telemetry observers.
func NewObserver(hub Hub) *Observer {
	o := Observer{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	return &o
}

// Telemetry handles one observer connection.
func (o *Observer) Telemetry(ctx echo.Context) error {

	conn, err := o.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return err
	}

	o.hub.Add(conn)
	defer o.hub.Remove(conn)

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
	}
}
