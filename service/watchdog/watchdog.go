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

package watchdog

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Default health check parameters.
const (
	DefaultInterval   = 10 * time.Second
	DefaultStaleAfter = 30 * time.Second
	DefaultWindow     = time.Minute
	DefaultThreshold  = 3
)

// Probe checks one liveness aspect of the process, typically the local API.
type Probe func(ctx context.Context) error

// Watchdog periodically checks process health: the local API answers and
// every plugin heartbeat is fresh. A process that no longer answers its own
// API is restarted in place right away. A stale plugin heartbeat is a
// strike against that plugin; when one plugin collects the threshold of
// strikes within the sliding window, the process is restarted as well.
// Restarting is a last resort for a process that is up but no longer doing
// its work, which supervision alone cannot detect.
type Watchdog struct {
	log     zerolog.Logger
	beats   func() map[string]time.Time
	probe   Probe
	restart func() error

	interval   time.Duration
	staleAfter time.Duration
	window     time.Duration
	threshold  int

	strikes map[string][]time.Time
}

// Option configures optional watchdog parameters.
type Option func(*Watchdog)

// WithProbe adds a liveness probe to each health check.
func WithProbe(probe Probe) Option {
	return func(w *Watchdog) {
		w.probe = probe
	}
}

// WithRestart overrides how the process is restarted.
func WithRestart(restart func() error) Option {
	return func(w *Watchdog) {
		w.restart = restart
	}
}

// WithInterval overrides the check interval.
func WithInterval(interval time.Duration) Option {
	return func(w *Watchdog) {
		w.interval = interval
	}
}

// WithStaleAfter overrides the heartbeat freshness bound.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(w *Watchdog) {
		w.staleAfter = staleAfter
	}
}

// WithThreshold overrides the strike count that triggers a restart.
func WithThreshold(threshold int) Option {
	return func(w *Watchdog) {
		w.threshold = threshold
	}
}

// New creates a watchdog reading plugin heartbeats from the given source.
func New(log zerolog.Logger, beats func() map[string]time.Time, opts ...Option) *Watchdog {
	w := Watchdog{
		log:        log.With().Str("component", "watchdog").Logger(),
		beats:      beats,
		restart:    Reexec,
		interval:   DefaultInterval,
		staleAfter: DefaultStaleAfter,
		window:     DefaultWindow,
		threshold:  DefaultThreshold,
		strikes:    make(map[string][]time.Time),
	}

	for _, opt := range opts {
		opt(&w)
	}

	return &w
}

// Run checks health on every tick until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := w.check(ctx)
			if err != nil {
				return err
			}
		}
	}
}

// check runs one health pass. A failed liveness probe restarts the process
// immediately; a stale plugin restarts it once that plugin reaches the
// strike threshold within the window.
func (w *Watchdog) check(ctx context.Context) error {

	// The API going dark means the process can no longer serve anything,
	// so there is no point in collecting strikes first.
	if w.probe != nil {
		err := w.probe(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("liveness probe failed, restarting process")
			return w.reboot()
		}
	}

	now := time.Now()
	cutoff := now.Add(-w.window)
	for name, last := range w.beats() {
		// A plugin that has not beaten yet is still starting up.
		if last.IsZero() {
			continue
		}
		age := now.Sub(last)
		if age <= w.staleAfter {
			continue
		}

		// Keep only strikes still within the window before adding this one.
		kept := w.strikes[name][:0]
		for _, at := range w.strikes[name] {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		kept = append(kept, now)
		w.strikes[name] = kept

		w.log.Warn().Str("plugin", name).Dur("age", age).Int("strikes", len(kept)).Int("threshold", w.threshold).Msg("plugin heartbeat stale")

		if len(kept) < w.threshold {
			continue
		}

		w.log.Error().Str("plugin", name).Msg("strike threshold reached, restarting process")
		return w.reboot()
	}

	return nil
}

// reboot invokes the configured restart hook.
func (w *Watchdog) reboot() error {
	err := w.restart()
	if err != nil {
		return fmt.Errorf("could not restart process: %w", err)
	}
	return nil
}

// Reexec replaces the running process with a fresh image of itself,
// preserving arguments and environment. It only returns on failure.
func Reexec() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("could not resolve executable: %w", err)
	}
	return syscall.Exec(executable, os.Args, os.Environ())
}
