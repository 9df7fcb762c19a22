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

// NewServer assembles the echo server for the edge API. The health and
// status endpoints stay open so the watchdog and operators can always
// reach them; only the stored metrics require a bearer token.
func NewServer(log zerolog.Logger, ctrl *Controller, verify Verifier) *echo.Echo {

	server := echo.New()
	server.HideBanner = true
	server.HidePort = true

	elog := lecho.From(log)
	server.Logger = elog
	server.Use(lecho.Middleware(lecho.Config{Logger: elog}))
	server.Use(middleware.Recover())

	server.GET("/health", ctrl.Health)
	server.GET("/health/view", ctrl.HealthView)
	server.GET("/status", ctrl.Status)
	server.GET("/bus/stats", ctrl.BusStats)

	protected := server.Group("", Bearer(verify))
	protected.GET("/metrics", ctrl.Metrics)

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
