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
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v2"
)

// Verifier checks bearer tokens on protected routes.
type Verifier interface {
	VerifyToken(token string) error
}

// NewServer assembles the echo server for the controller API. Mutating
// routes require a bearer token; read routes and the observer websocket
// stay open.
func NewServer(log zerolog.Logger, ctrl *Controller, observer *Observer, verify Verifier) *echo.Echo {

	server := echo.New()
	server.HideBanner = true
	server.HidePort = true

	elog := lecho.From(log)
	server.Logger = elog
	server.Use(lecho.Middleware(lecho.Config{Logger: elog}))
	server.Use(middleware.Recover())

	server.POST("/edges/register", ctrl.Register)
	server.GET("/edges", ctrl.Edges)
	server.GET("/telemetry/latest", ctrl.Telemetry)
	server.POST("/auth/token", ctrl.Token)
	server.GET("/ws/telemetry", observer.Telemetry)

	protected := server.Group("", Bearer(verify))
	protected.POST("/commands/send", ctrl.SendCommand)
	protected.POST("/rules/push", ctrl.PushRules)

	return server
}

// Bearer returns a middleware enforcing a valid bearer token.
func Bearer(verify Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			header := ctx.Request().Header.Get(echo.HeaderAuthorization)
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				return echo.NewHTTPError(http.StatusForbidden, "missing bearer token")
			}
			err := verify.VerifyToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "invalid bearer token")
			}
			return next(ctx)
		}
	}
}
