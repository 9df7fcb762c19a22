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

package energy

import (
	"context"
	"math/rand"
	"time"

	"github.com/xsystems/xs/models/xs"
)

// Topic is the bus topic this plugin publishes on.
const Topic = "energy/status"

// DefaultInterval is the sampling interval.
const DefaultInterval = 10 * time.Second

// Plugin samples the power subsystem and publishes the charge level on
// each iteration, feeding the rules engine for low-energy alerts.
type Plugin struct {
	caps     xs.Capabilities
	interval time.Duration
	rng      *rand.Rand
}

// Option configures optional plugin parameters.
type Option func(*Plugin)

// WithInterval overrides the sampling interval.
func WithInterval(interval time.Duration) Option {
	return func(p *Plugin) {
		p.interval = interval
	}
}

// New creates an energy monitor plugin with the given capabilities.
func New(caps xs.Capabilities, opts ...Option) xs.Plugin {
	p := Plugin{
		caps:     caps,
		interval: DefaultInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// Run samples on every tick until the context is cancelled.
func (p *Plugin) Run(ctx context.Context, beat func()) error {

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		beat()
		p.sample()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop has no resources to release.
func (p *Plugin) Stop(ctx context.Context) error {
	return nil
}

func (p *Plugin) sample() {

	level := 20 + p.rng.Float64()*80

	p.caps.Bus.Publish(Topic, xs.Payload{
		"energy_level": level,
	})
	p.caps.Rules.Evaluate(xs.Context{
		"energy_level": level,
	})
}
