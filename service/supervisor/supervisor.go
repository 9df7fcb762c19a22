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

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xsystems/xs/models/xs"
)

// DefaultBackoff is how long the supervisor waits before restarting a
// crashed plugin.
const DefaultBackoff = 2 * time.Second

// DefaultStopTimeout bounds how long plugin cleanup may take on shutdown.
const DefaultStopTimeout = 5 * time.Second

// restartWindow is the sliding window over which restarts are counted for
// the status report.
const restartWindow = time.Minute

// Verifier checks a plugin artifact against its manifest digest.
type Verifier interface {
	VerifyPlugin(path string, digest string) error
}

// Record is a point-in-time view of one supervised plugin.
type Record struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	State    string    `json:"state"`
	Restarts int       `json:"restarts"`
	LastBeat time.Time `json:"last_beat"`
}

type runtime struct {
	desc     xs.Descriptor
	plugin   xs.Plugin
	beat     *xs.Heartbeat
	state    string
	restarts []time.Time
}

// Supervisor hosts the plugins discovered in the plugin directory. Each
// plugin runs in its own goroutine; a crash is contained to that plugin
// and followed by a restart after a fixed back-off. Plugins are selected
// from a compile-in registry by manifest name, so a manifest naming an
// unknown plugin is skipped rather than loaded from disk.
type Supervisor struct {
	log      zerolog.Logger
	registry map[string]xs.PluginFactory
	caps     xs.Capabilities
	verify   Verifier
	backoff  time.Duration

	mutex   sync.Mutex
	plugins map[string]*runtime
}

// Option configures optional supervisor parameters.
type Option func(*Supervisor)

// WithVerifier enables artifact digest verification at discovery time.
func WithVerifier(verify Verifier) Option {
	return func(s *Supervisor) {
		s.verify = verify
	}
}

// WithBackoff overrides the crash-restart back-off.
func WithBackoff(backoff time.Duration) Option {
	return func(s *Supervisor) {
		s.backoff = backoff
	}
}

// New creates a supervisor hosting plugins from the given registry with
// the given capability set.
func New(log zerolog.Logger, registry map[string]xs.PluginFactory, caps xs.Capabilities, opts ...Option) *Supervisor {
	s := Supervisor{
		log:      log.With().Str("component", "supervisor").Logger(),
		registry: registry,
		caps:     caps,
		backoff:  DefaultBackoff,
		plugins:  make(map[string]*runtime),
	}

	for _, opt := range opts {
		opt(&s)
	}

	return &s
}

// Run discovers the plugins under dir, starts each one and supervises them
// until the context is cancelled. It then stops all plugins concurrently
// under a bounded deadline and returns any cleanup errors.
func (s *Supervisor) Run(ctx context.Context, dir string) error {

	descriptors, err := Discover(dir)
	if err != nil {
		return fmt.Errorf("could not discover plugins: %w", err)
	}

	var wg sync.WaitGroup
	for _, desc := range descriptors {

		factory, ok := s.registry[desc.Name]
		if !ok {
			s.log.Warn().Str("plugin", desc.Name).Msg("no registered factory for plugin, skipping")
			continue
		}

		if s.verify != nil && desc.SHA256 != "" {
			err := s.verify.VerifyPlugin(desc.ArtifactPath(), desc.SHA256)
			if err != nil {
				s.log.Error().Err(err).Str("plugin", desc.Name).Msg("plugin artifact failed verification, skipping")
				continue
			}
		}

		caps := s.caps
		caps.Meta = desc
		run := runtime{
			desc:   desc,
			plugin: factory(caps),
			beat:   &xs.Heartbeat{},
			state:  xs.PluginStarting,
		}

		s.mutex.Lock()
		s.plugins[desc.Name] = &run
		s.mutex.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, &run)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	return s.stopAll()
}

// Records returns a snapshot of all supervised plugins, with restart
// counts limited to the last minute.
func (s *Supervisor) Records() []Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	records := make([]Record, 0, len(s.plugins))
	for _, run := range s.plugins {
		records = append(records, Record{
			Name:     run.desc.Name,
			Version:  run.desc.Version,
			State:    run.state,
			Restarts: countSince(run.restarts, now.Add(-restartWindow)),
			LastBeat: run.beat.Last(),
		})
	}

	return records
}

// Heartbeats returns the last heartbeat time of each supervised plugin.
func (s *Supervisor) Heartbeats() map[string]time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	beats := make(map[string]time.Time, len(s.plugins))
	for name, run := range s.plugins {
		beats[name] = run.beat.Last()
	}

	return beats
}

// supervise runs one plugin until the context is cancelled, restarting it
// after each crash. A clean return from the plugin also stops supervision.
func (s *Supervisor) supervise(ctx context.Context, run *runtime) {
	log := s.log.With().Str("plugin", run.desc.Name).Logger()
	for {
		s.setState(run, xs.PluginRunning)
		log.Info().Str("version", run.desc.Version).Msg("plugin started")

		err := s.runPlugin(ctx, run)

		if ctx.Err() != nil {
			s.setState(run, xs.PluginStopped)
			return
		}
		if err == nil {
			log.Info().Msg("plugin finished")
			s.setState(run, xs.PluginStopped)
			return
		}

		log.Error().Err(err).Msg("plugin crashed, restarting")
		s.setState(run, xs.PluginCrashed)
		s.recordRestart(run)

		select {
		case <-ctx.Done():
			s.setState(run, xs.PluginStopped)
			return
		case <-time.After(s.backoff):
		}
		s.setState(run, xs.PluginStarting)
	}
}

// runPlugin invokes one plugin run, converting a panic into a crash error
// so a broken plugin never takes the process down with it.
func (s *Supervisor) runPlugin(ctx context.Context, run *runtime) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()
	return run.plugin.Run(ctx, run.beat.Beat)
}

// stopAll runs every plugin's cleanup concurrently under one deadline.
func (s *Supervisor) stopAll() error {

	s.mutex.Lock()
	plugins := make([]*runtime, 0, len(s.plugins))
	for _, run := range s.plugins {
		plugins = append(plugins, run)
	}
	s.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, run := range plugins {
		run := run
		g.Go(func() error {
			err := run.plugin.Stop(ctx)
			if err != nil {
				return fmt.Errorf("could not stop plugin %s: %w", run.desc.Name, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Supervisor) setState(run *runtime, state string) {
	s.mutex.Lock()
	run.state = state
	s.mutex.Unlock()
}

func (s *Supervisor) recordRestart(run *runtime) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Keep only restarts still within the reporting window.
	cutoff := time.Now().Add(-restartWindow)
	kept := run.restarts[:0]
	for _, at := range run.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	run.restarts = append(kept, time.Now())
}

func countSince(restarts []time.Time, cutoff time.Time) int {
	count := 0
	for _, at := range restarts {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}
