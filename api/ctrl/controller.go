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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/dispatch"
	"github.com/xsystems/xs/service/publish"
)

// DefaultTelemetryLimit bounds the telemetry list when no limit is given.
const DefaultTelemetryLimit = 50

// Reader provides read access to the controller's records.
type Reader interface {
	Edges() ([]xs.EdgeRecord, error)
	LatestTelemetry(limit uint) ([]xs.TelemetryRecord, error)
	TelemetryForEdge(edgeID string, limit uint) ([]xs.TelemetryRecord, error)
}

// Writer upserts edge records for HTTP registrations.
type Writer interface {
	SaveEdge(record *xs.EdgeRecord) error
}

// Dispatcher sends commands to edges.
type Dispatcher interface {
	Send(req dispatch.Request) (*xs.CommandLogEntry, error)
}

// Pusher pushes rulesets to edges.
type Pusher interface {
	Push(req publish.Request) (*publish.Receipt, error)
}

// Auth exchanges the master key for bearer tokens.
type Auth interface {
	IssueToken(master string) (string, error)
}

// Controller implements the controller's HTTP API.
type Controller struct {
	read     Reader
	write    Writer
	dispatch Dispatcher
	push     Pusher
	auth     Auth
}

// NewController creates a controller for the fleet API.
func NewController(read Reader, write Writer, dispatch Dispatcher, push Pusher, auth Auth) *Controller {
	c := Controller{
		read:     read,
		write:    write,
		dispatch: dispatch,
		push:     push,
		auth:     auth,
	}

	return &c
}

// RegisterRequest announces one edge over HTTP instead of the broker.
type RegisterRequest struct {
	EdgeID  string `json:"edge_id" validate:"required"`
	Version string `json:"version"`
}

// Register upserts the record of an edge node.
func (c *Controller) Register(ctx echo.Context) error {

	var req RegisterRequest
	err := ctx.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EdgeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing edge identifier")
	}

	record := xs.EdgeRecord{
		EdgeID:   req.EdgeID,
		Version:  req.Version,
		LastSeen: time.Now().UTC(),
		Status:   xs.EdgeOnline,
	}
	err = c.write.SaveEdge(&record)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ctx.JSON(http.StatusOK, record)
}

// Edges lists all known edge nodes.
func (c *Controller) Edges(ctx echo.Context) error {

	records, err := c.read.Edges()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []xs.EdgeRecord{}
	}

	return ctx.JSON(http.StatusOK, records)
}

// TelemetryResponse is one telemetry record with its decoded payload.
type TelemetryResponse struct {
	EdgeID    string          `json:"edge_id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

// Telemetry returns the most recent telemetry, optionally scoped to one
// edge.
func (c *Controller) Telemetry(ctx echo.Context) error {

	limit := uint(DefaultTelemetryLimit)
	param := ctx.QueryParam("limit")
	if param != "" {
		parsed, err := strconv.ParseUint(param, 10, 32)
		if err != nil || parsed == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = uint(parsed)
	}

	var records []xs.TelemetryRecord
	var err error
	edgeID := ctx.QueryParam("edge_id")
	if edgeID != "" {
		records, err = c.read.TelemetryForEdge(edgeID, limit)
	} else {
		records, err = c.read.LatestTelemetry(limit)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := make([]TelemetryResponse, 0, len(records))
	for _, record := range records {
		res = append(res, TelemetryResponse{
			EdgeID:    record.EdgeID,
			Topic:     record.Topic,
			Data:      json.RawMessage(record.Data),
			Timestamp: record.Timestamp,
		})
	}

	return ctx.JSON(http.StatusOK, res)
}

// SendCommand dispatches one command to an edge. The command log entry is
// returned even when the broker rejected the publish, since the command is
// already logged as SENT.
func (c *Controller) SendCommand(ctx echo.Context) error {

	var req dispatch.Request
	err := ctx.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entry, err := c.dispatch.Send(req)
	if err != nil && entry == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return ctx.JSON(http.StatusBadGateway, entry)
	}

	return ctx.JSON(http.StatusOK, entry)
}

// PushRules publishes one ruleset to its target edges.
func (c *Controller) PushRules(ctx echo.Context) error {

	var req publish.Request
	err := ctx.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	receipt, err := c.push.Push(req)
	if errors.Is(err, publish.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ctx.JSON(http.StatusOK, receipt)
}

// TokenRequest exchanges the master key for a bearer token.
type TokenRequest struct {
	MasterKey string `json:"master_key"`
}

// TokenResponse carries one issued bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// Token issues a bearer token for the protected routes.
func (c *Controller) Token(ctx echo.Context) error {

	var req TokenRequest
	err := ctx.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	token, err := c.auth.IssueToken(req.MasterKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid master key")
	}

	return ctx.JSON(http.StatusOK, TokenResponse{Token: token})
}
