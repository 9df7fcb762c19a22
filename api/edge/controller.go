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

package edge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/bus"
	"github.com/xsystems/xs/service/supervisor"
)

// DefaultEventLimit bounds the event list returned by the metrics
// endpoint when no limit is given.
const DefaultEventLimit = 50

// Bus exposes the statistics of the local data bus.
type Bus interface {
	Stats() map[string]bus.TopicStats
}

// Plugins exposes the state of the supervised plugins.
type Plugins interface {
	Records() []supervisor.Record
}

// Transport exposes the connection state of the broker bridge.
type Transport interface {
	States() map[string]string
	Connected() bool
}

// Engine exposes the active ruleset.
type Engine interface {
	Rules() []xs.Rule
}

// Events reads back the locally stored bus events.
type Events interface {
	LatestEvents(limit uint) ([]xs.StoredEvent, error)
}

// Controller implements the edge node's local HTTP API.
type Controller struct {
	edgeID  string
	version string
	started time.Time

	bus     Bus
	plugins Plugins
	bridge  Transport
	engine  Engine
	events  Events
}

// NewController creates a controller for the edge API.
func NewController(edgeID string, version string, bus Bus, plugins Plugins, bridge Transport, engine Engine, events Events) *Controller {
	c := Controller{
		edgeID:  edgeID,
		version: version,
		started: time.Now(),

		bus:     bus,
		plugins: plugins,
		bridge:  bridge,
		engine:  engine,
		events:  events,
	}

	return &c
}

// StatusResponse describes the full state of the edge node.
type StatusResponse struct {
	EdgeID        string              `json:"edge_id"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Bridge        map[string]string   `json:"bridge"`
	Plugins       []supervisor.Record `json:"plugins"`
	Rules         int                 `json:"rules"`
}

// Status returns the full state of the edge node.
func (c *Controller) Status(ctx echo.Context) error {

	res := StatusResponse{
		EdgeID:        c.edgeID,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Bridge:        c.bridge.States(),
		Plugins:       c.plugins.Records(),
		Rules:         len(c.engine.Rules()),
	}

	return ctx.JSON(http.StatusOK, res)
}

// HealthResponse is the liveness summary of the edge node.
type HealthResponse struct {
	Status    string `json:"status"`
	EdgeID    string `json:"edge_id"`
	Connected bool   `json:"connected"`
}

// Health returns the liveness summary. It always answers 200 while the
// process is serving; the watchdog uses it as its liveness probe.
func (c *Controller) Health(ctx echo.Context) error {

	res := HealthResponse{
		Status:    "ok",
		EdgeID:    c.edgeID,
		Connected: c.bridge.Connected(),
	}

	return ctx.JSON(http.StatusOK, res)
}

// BusStats returns per-topic statistics of the local data bus.
func (c *Controller) BusStats(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.bus.Stats())
}

// EventResponse is one stored bus event with its decoded payload.
type EventResponse struct {
	Topic     string     `json:"topic"`
	Payload   xs.Payload `json:"payload"`
	Timestamp time.Time  `json:"ts"`
}

// Metrics returns the most recent locally stored bus events.
func (c *Controller) Metrics(ctx echo.Context) error {

	limit := uint(DefaultEventLimit)
	param := ctx.QueryParam("limit")
	if param != "" {
		parsed, err := strconv.ParseUint(param, 10, 32)
		if err != nil || parsed == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = uint(parsed)
	}

	events, err := c.events.LatestEvents(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := make([]EventResponse, 0, len(events))
	for _, event := range events {
		res = append(res, EventResponse{
			Topic:     event.Topic,
			Payload:   event.Payload,
			Timestamp: event.Timestamp,
		})
	}

	return ctx.JSON(http.StatusOK, res)
}

// marshalStats is a helper for the dashboard template.
func marshalStats(stats map[string]bus.TopicStats) string {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
