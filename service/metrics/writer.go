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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/index"
)

// MetricsWriter wraps the writer and records metrics for the data it
// writes.
type MetricsWriter struct {
	write     *index.Writer
	edge      prometheus.Counter
	telemetry prometheus.Counter
	command   prometheus.Counter
	ack       prometheus.Counter
	ruleset   prometheus.Counter
	event     prometheus.Counter
	firing    prometheus.Counter
}

// NewMetricsWriter creates a writer that counts stored records and exposes
// the counts as prometheus counters.
func NewMetricsWriter(write *index.Writer) *MetricsWriter {
	edgeOpts := prometheus.CounterOpts{
		Name:      "edge_upserts",
		Namespace: namespace,
		Help:      "number of edge record upserts",
	}
	edge := promauto.NewCounter(edgeOpts)

	telemetryOpts := prometheus.CounterOpts{
		Name:      "stored_telemetry",
		Namespace: namespace,
		Help:      "number of stored telemetry records",
	}
	telemetry := promauto.NewCounter(telemetryOpts)

	commandOpts := prometheus.CounterOpts{
		Name:      "logged_commands",
		Namespace: namespace,
		Help:      "number of logged command dispatches",
	}
	command := promauto.NewCounter(commandOpts)

	ackOpts := prometheus.CounterOpts{
		Name:      "acked_commands",
		Namespace: namespace,
		Help:      "number of correlated command acknowledgments",
	}
	ack := promauto.NewCounter(ackOpts)

	rulesetOpts := prometheus.CounterOpts{
		Name:      "recorded_rulesets",
		Namespace: namespace,
		Help:      "number of recorded ruleset uploads",
	}
	ruleset := promauto.NewCounter(rulesetOpts)

	eventOpts := prometheus.CounterOpts{
		Name:      "stored_events",
		Namespace: namespace,
		Help:      "number of stored bus events",
	}
	event := promauto.NewCounter(eventOpts)

	firingOpts := prometheus.CounterOpts{
		Name:      "rule_firings",
		Namespace: namespace,
		Help:      "number of stored rule firings",
	}
	firing := promauto.NewCounter(firingOpts)

	w := MetricsWriter{
		write:     write,
		edge:      edge,
		telemetry: telemetry,
		command:   command,
		ack:       ack,
		ruleset:   ruleset,
		event:     event,
		firing:    firing,
	}

	return &w
}

func (w *MetricsWriter) SaveEdge(record *xs.EdgeRecord) error {
	w.edge.Inc()
	return w.write.SaveEdge(record)
}

func (w *MetricsWriter) SaveTelemetry(record *xs.TelemetryRecord) error {
	w.telemetry.Inc()
	return w.write.SaveTelemetry(record)
}

func (w *MetricsWriter) SaveCommand(entry *xs.CommandLogEntry) error {
	w.command.Inc()
	return w.write.SaveCommand(entry)
}

func (w *MetricsWriter) AckCommand(cmdID string, result string, at time.Time) error {
	w.ack.Inc()
	return w.write.AckCommand(cmdID, result, at)
}

func (w *MetricsWriter) SaveRuleset(record *xs.RulesetRecord) error {
	w.ruleset.Inc()
	return w.write.SaveRuleset(record)
}

func (w *MetricsWriter) SaveEvent(topic string, payload xs.Payload) error {
	w.event.Inc()
	return w.write.SaveEvent(topic, payload)
}

func (w *MetricsWriter) SaveFiring(rule string, ctx xs.Context) error {
	w.firing.Inc()
	return w.write.SaveFiring(rule, ctx)
}

func (w *MetricsWriter) Ingest(envelope *xs.Envelope, at time.Time) error {
	w.telemetry.Inc()
	return w.write.Ingest(envelope, at)
}
