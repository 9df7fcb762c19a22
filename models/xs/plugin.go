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

package xs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Descriptor identifies one discovered plugin bundle. It is parsed from the
// bundle's manifest at discovery time.
type Descriptor struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Artifact    string `yaml:"artifact"`
	SHA256      string `yaml:"sha256"`
	Dir         string `yaml:"-"`
}

// ArtifactPath returns the absolute path of the plugin artifact within its
// bundle directory.
func (d Descriptor) ArtifactPath() string {
	return filepath.Join(d.Dir, d.Artifact)
}

// Plugin run states as tracked by the supervisor.
const (
	PluginStarting = "starting"
	PluginRunning  = "running"
	PluginCrashed  = "crashed"
	PluginStopped  = "stopped"
)

// Heartbeat is a single-writer, single-reader timestamp. The owning plugin
// stores into it on each loop iteration and the watchdog loads from it, so
// an atomic 64-bit value is sufficient.
type Heartbeat struct {
	ns int64
}

// Beat records the current time as the last heartbeat.
func (h *Heartbeat) Beat() {
	atomic.StoreInt64(&h.ns, time.Now().UnixNano())
}

// Last returns the time of the last heartbeat, or the zero time if the
// plugin has never beaten.
func (h *Heartbeat) Last() time.Time {
	ns := atomic.LoadInt64(&h.ns)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// BusHandle is the capability plugins use to publish onto the data bus.
type BusHandle interface {
	Publish(topic string, payload Payload)
}

// RulesHandle is the capability plugins use to evaluate the current ruleset
// against a numeric context.
type RulesHandle interface {
	Evaluate(ctx Context)
}

// EventStore persists bus events on the edge.
type EventStore interface {
	SaveEvent(topic string, payload Payload) error
}

// FiringStore persists rule firings on the edge.
type FiringStore interface {
	SaveFiring(rule string, ctx Context) error
}

// Capabilities is the handle set injected into a plugin at construction.
// Plugins hold these handles only and never a back-pointer to the
// supervisor.
type Capabilities struct {
	Bus   BusHandle
	Store EventStore
	Rules RulesHandle
	Meta  Descriptor
}

// Plugin is one unit of supervised work hosted by an edge. Run is expected
// to loop until the context is cancelled, calling beat on each iteration.
// Stop performs best-effort cleanup under a bounded deadline.
type Plugin interface {
	Run(ctx context.Context, beat func()) error
	Stop(ctx context.Context) error
}

// PluginFactory constructs a plugin instance from its capability set. The
// supervisor selects factories from a compile-in registry by manifest name.
type PluginFactory func(caps Capabilities) Plugin

// Publisher forwards bus publishes to an external transport. Failures are
// the publisher's to log; the bus never blocks on it.
type Publisher interface {
	Publish(topic string, payload Payload)
}
