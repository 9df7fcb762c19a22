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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/xsystems/xs/api/edge"
	"github.com/xsystems/xs/codec/zbor"
	"github.com/xsystems/xs/engine"
	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/plugins"
	"github.com/xsystems/xs/service/bridge"
	"github.com/xsystems/xs/service/broker"
	"github.com/xsystems/xs/service/bus"
	"github.com/xsystems/xs/service/command"
	"github.com/xsystems/xs/service/index"
	"github.com/xsystems/xs/service/metrics"
	"github.com/xsystems/xs/service/rules"
	"github.com/xsystems/xs/service/rulesync"
	"github.com/xsystems/xs/service/security"
	"github.com/xsystems/xs/service/storage"
	"github.com/xsystems/xs/service/supervisor"
	"github.com/xsystems/xs/service/watchdog"
)

const version = "1.0.0"

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
		flagAPI       string
		flagBroker    string
		flagData      string
		flagEdge      string
		flagLevel     string
		flagMaster    string
		flagMetrics   string
		flagMQTT      bool
		flagPlugins   string
		flagPort      uint16
		flagRules     string
		flagSecret    string
		flagVerify    bool
		flagWebSocket bool
	)

	pflag.StringVarP(&flagAPI, "api", "a", envAddr("API_PORT", ":8080"), "address for the local HTTP API")
	pflag.StringVarP(&flagBroker, "broker", "b", envOr("MQTT_BROKER", "localhost"), "host of the MQTT broker")
	pflag.StringVarP(&flagData, "data", "d", envOr("DB_PATH", "data"), "path to database directory for the local store")
	pflag.StringVarP(&flagEdge, "edge", "e", os.Getenv("EDGE_ID"), "edge identifier, random when empty")
	pflag.StringVarP(&flagLevel, "level", "l", envOr("LOG_LEVEL", "info"), "log output level")
	pflag.StringVarP(&flagMaster, "master", "m", os.Getenv("EDGE_MASTER_KEY"), "master key for local token issuance")
	pflag.StringVar(&flagMetrics, "metrics", ":9090", "address for the prometheus metrics endpoint")
	pflag.BoolVar(&flagMQTT, "mqtt", envBool("MQTT_ENABLED", true), "relay bus events to the MQTT broker")
	pflag.StringVarP(&flagPlugins, "plugins", "g", "plugins", "path to plugin bundle directory")
	pflag.Uint16VarP(&flagPort, "port", "p", envPort("MQTT_PORT", 1883), "port of the MQTT broker")
	pflag.StringVarP(&flagRules, "rules", "r", "rules.json", "path to rules file")
	pflag.StringVarP(&flagSecret, "secret", "s", os.Getenv("EDGE_TOKEN"), "secret for signing API tokens")
	pflag.BoolVar(&flagVerify, "verify", envBool("PLUGIN_VERIFY_SHA", false), "verify plugin artifact digests at startup")
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

	// Open the local store.
	db, err := badger.Open(xs.DefaultOptions(flagData))
	if err != nil {
		log.Error().Str("data", flagData).Err(err).Msg("could not open local store")
		return failure
	}
	defer func() {
		err := db.Close()
		if err != nil {
			log.Error().Err(err).Msg("could not close local store")
		}
	}()

	// The storage library is initialized with a codec and provides functions
	// to interact with a Badger database while encoding and compressing
	// transparently.
	codec := zbor.NewCodec()
	lib := storage.New(codec)
	write := metrics.NewMetricsWriter(index.NewWriter(db, lib))
	read := index.NewReader(db, lib)

	// The data bus persists every event locally and, once the bridge is
	// attached, forwards them to the controller.
	dataBus := bus.New(log, bus.WithStore(write))

	// The rules engine loads the persisted ruleset when one exists.
	ruleEngine := rules.New(log, write)
	err = ruleEngine.Load(flagRules)
	if err != nil {
		log.Warn().Err(err).Str("rules", flagRules).Msg("could not load initial ruleset, starting without rules")
	}

	agent := security.NewAgent(log, flagSecret, flagMaster)
	if flagMaster != "" {
		token, err := agent.IssueToken(flagMaster)
		if err == nil {
			log.Info().Str("token", token).Msg("local api token issued")
		}
	}

	edgeID := flagEdge
	if edgeID == "" {
		edgeID = bridge.RandomEdgeID()
		log.Info().Str("edge", edgeID).Msg("assigned random edge identifier")
	}

	// The bridge relays between the local bus and the MQTT broker.
	brokerCfg := broker.Config{
		Host:      flagBroker,
		Port:      flagPort,
		WebSocket: flagWebSocket,
	}
	brdg := bridge.New(log, brokerCfg, edgeID, version)

	// Commands and ruleset pushes from the controller are handled locally
	// and acknowledged over the bus, which relays them back through the
	// bridge.
	commands := command.NewHandler(log, edgeID, dataBus, ruleEngine, flagRules)
	syncer := rulesync.New(log, edgeID, dataBus, ruleEngine, flagRules)
	brdg.OnCommand(func(payload []byte) {
		err := commands.Execute(payload)
		if err != nil {
			log.Warn().Err(err).Msg("could not execute command")
		}
	})
	brdg.OnRules(func(payload []byte) {
		_ = syncer.Apply(payload)
	})
	if flagMQTT {
		dataBus.AttachBridge(brdg)
	}

	// The supervisor hosts the compiled-in plugins found in the plugin
	// directory.
	caps := xs.Capabilities{
		Bus:   dataBus,
		Store: write,
		Rules: ruleEngine,
	}
	supOpts := []supervisor.Option{}
	if flagVerify {
		supOpts = append(supOpts, supervisor.WithVerifier(agent))
	}
	sup := supervisor.New(log, plugins.Registry(), caps, supOpts...)

	// The local API exposes status, health and the stored event log.
	ctrl := edge.NewController(edgeID, version, dataBus, sup, brdg, ruleEngine, read)
	server := edge.NewServer(log, ctrl, agent)

	// The watchdog restarts the process when the API stops answering or
	// plugin heartbeats go stale.
	probe := func(ctx context.Context) error {
		url := fmt.Sprintf("http://127.0.0.1%s/health", flagAPI)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", res.StatusCode)
		}
		return nil
	}
	wdog := watchdog.New(log, sup.Heartbeats, watchdog.WithProbe(probe))

	metricsServer := metrics.NewServer(log, flagMetrics)

	supCtx, supCancel := context.WithCancel(context.Background())
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	wdogCtx, wdogCancel := context.WithCancel(context.Background())

	log.Info().Str("edge", edgeID).Str("version", version).Msg("edge node starting")

	engine.New(log, "XS Edge", sig).
		Component(
			"supervisor",
			func() error {
				return sup.Run(supCtx, flagPlugins)
			},
			supCancel,
		).
		Component(
			"bridge",
			func() error {
				return brdg.Run(bridgeCtx)
			},
			bridgeCancel,
		).
		Component(
			"watchdog",
			func() error {
				return wdog.Run(wdogCtx)
			},
			wdogCancel,
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

	log.Info().Msg("edge node stopped")

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

func envBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return enabled
}
