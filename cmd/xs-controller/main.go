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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/xsystems/xs/api/ctrl"
	"github.com/xsystems/xs/codec/zbor"
	"github.com/xsystems/xs/engine"
	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/broker"
	"github.com/xsystems/xs/service/dispatch"
	"github.com/xsystems/xs/service/fanout"
	"github.com/xsystems/xs/service/index"
	"github.com/xsystems/xs/service/ingest"
	"github.com/xsystems/xs/service/metrics"
	"github.com/xsystems/xs/service/publish"
	"github.com/xsystems/xs/service/security"
	"github.com/xsystems/xs/service/storage"
)

const (
	success = 0
	failure = 1
)

func main() {
	os.Exit(run())
}

func run() int {

	// Signal catching for clean shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	// Command line parameter initialization.
	var (
		flagAPI     string
		flagBroker  string
		flagData    string
		flagLevel   string
		flagMaster  string
		flagMetrics string
		flagPort    uint16
		flagRules   string
		flagSecret  string

		flagWebSocket bool
	)

	pflag.StringVarP(&flagAPI, "api", "a", envAddr("API_PORT", ":8000"), "address for the fleet HTTP API")
	pflag.StringVarP(&flagBroker, "broker", "b", envOr("MQTT_BROKER", "localhost"), "host of the MQTT broker")
	pflag.StringVarP(&flagData, "data", "d", envOr("DB_PATH", "data"), "path to database directory for the fleet store")
	pflag.StringVarP(&flagLevel, "level", "l", envOr("LOG_LEVEL", "info"), "log output level")
	pflag.StringVarP(&flagMaster, "master", "m", os.Getenv("CTRL_MASTER_KEY"), "master key for token issuance")
	pflag.StringVar(&flagMetrics, "metrics", ":9091", "address for the prometheus metrics endpoint")
	pflag.Uint16VarP(&flagPort, "port", "p", envPort("MQTT_PORT", 1883), "port of the MQTT broker")
	pflag.StringVarP(&flagRules, "rules", "r", "rules-latest.json", "path to file holding the last pushed ruleset")
	pflag.StringVarP(&flagSecret, "secret", "s", os.Getenv("CTRL_JWT_SECRET"), "secret for signing API tokens")
	pflag.BoolVarP(&flagWebSocket, "websocket", "w", false, "connect to the broker over websocket")

	pflag.Parse()

	// Logger initialization.
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	level, err := zerolog.ParseLevel(flagLevel)
	if err != nil {
		log.Error().Str("level", flagLevel).Err(err).Msg("could not parse log level")
		return failure
	}
	log = log.Level(level)

	// Open the fleet store.
	db, err := badger.Open(xs.DefaultOptions(flagData))
	if err != nil {
		log.Error().Str("data", flagData).Err(err).Msg("could not open fleet store")
		return failure
	}
	defer func() {
		err := db.Close()
		if err != nil {
			log.Error().Err(err).Msg("could not close fleet store")
		}
	}()

	codec := zbor.NewCodec()
	lib := storage.New(codec)
	write := metrics.NewMetricsWriter(index.NewWriter(db, lib))
	read := index.NewReader(db, lib)

	// The hub fans every ingested message out to connected websocket
	// observers.
	hub := fanout.New(log)

	// The ingest listener consumes all edge traffic from the broker and
	// persists it into the fleet store.
	handler, err := ingest.NewHandler(log, write, hub)
	if err != nil {
		log.Error().Err(err).Msg("could not initialize ingest handler")
		return failure
	}
	inbound := broker.NewClient(log, broker.Config{
		Host:      flagBroker,
		Port:      flagPort,
		WebSocket: flagWebSocket,
		ClientID:  "xsctrl-ingest",
	})
	listener := ingest.NewListener(log, inbound, handler)

	// The outbound client carries commands and ruleset pushes towards the
	// edges. Dispatch and publish report delivery failures to the API, so
	// the connection is maintained best-effort in the background.
	outbound := broker.NewClient(log, broker.Config{
		Host:      flagBroker,
		Port:      flagPort,
		WebSocket: flagWebSocket,
		ClientID:  "xsctrl-out",
	})

	agent := security.NewAgent(log, flagSecret, flagMaster)
	dispatcher := dispatch.New(log, write, outbound)
	publisher := publish.New(log, write, outbound, flagRules)

	controller := ctrl.NewController(read, write, dispatcher, publisher, agent)
	observer := ctrl.NewObserver(hub)
	server := ctrl.NewServer(log, controller, observer, agent)

	metricsServer := metrics.NewServer(log, flagMetrics)

	listenCtx, listenCancel := context.WithCancel(context.Background())
	outCtx, outCancel := context.WithCancel(context.Background())

	log.Info().Msg("controller starting")

	engine.New(log, "XS Controller", sig).
		Component(
			"ingest",
			func() error {
				return listener.Run(listenCtx)
			},
			listenCancel,
		).
		Component(
			"outbound",
			func() error {
				maintain(outCtx, log, outbound)
				return nil
			},
			outCancel,
		).
		Component(
			"api",
			func() error {
				err := server.Start(flagAPI)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			},
			func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					log.Error().Err(err).Msg("could not shut down api server")
				}
			},
		).
		Component(
			"metrics",
			metricsServer.Start,
			func() {
				err := metricsServer.Stop()
				if err != nil {
					log.Error().Err(err).Msg("could not shut down metrics server")
				}
			},
		).
		Run().
		Stop()

	log.Info().Msg("controller stopped")

	return success
}

func envOr(name string, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return value
}

func envAddr(name string, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return ":" + value
}

func envPort(name string, fallback uint16) uint16 {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(port)
}

// maintain keeps the outbound broker connection alive until the context is
// cancelled, backing off between attempts.
func maintain(ctx context.Context, log zerolog.Logger, client *broker.Client) {
	for {
		err := client.Connect()
		if err != nil {
			log.Warn().Err(err).Msg("could not connect outbound broker client")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		log.Info().Msg("outbound broker client connected")
		select {
		case <-ctx.Done():
			client.Disconnect()
			return
		case <-client.Lost():
			continue
		}
	}
}
