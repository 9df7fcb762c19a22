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

package watchdog_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/service/watchdog"
)

func freshBeats() map[string]time.Time {
	return map[string]time.Time{"network": time.Now()}
}

func staleBeats() map[string]time.Time {
	return map[string]time.Time{"network": time.Now().Add(-time.Hour)}
}

func TestWatchdog_HealthyProcessIsLeftAlone(t *testing.T) {
	var restarts int32
	w := watchdog.New(zerolog.Nop(), freshBeats,
		watchdog.WithInterval(time.Millisecond),
		watchdog.WithRestart(func() error {
			atomic.AddInt32(&restarts, 1)
			return nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Zero(t, atomic.LoadInt32(&restarts))
}

func TestWatchdog_StaleHeartbeatTriggersRestart(t *testing.T) {
	restarted := make(chan struct{})
	w := watchdog.New(zerolog.Nop(), staleBeats,
		watchdog.WithInterval(time.Millisecond),
		watchdog.WithRestart(func() error {
			close(restarted)
			return errors.New("exec failed")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Three consecutive stale checks reach the threshold.
	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not restart the process")
	}

	// A failed restart surfaces as a run error.
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not return")
	}
}

func TestWatchdog_DeadAPIRestartsImmediately(t *testing.T) {
	var checks int32
	restarted := make(chan struct{})
	w := watchdog.New(zerolog.Nop(), freshBeats,
		watchdog.WithInterval(time.Millisecond),
		watchdog.WithProbe(func(ctx context.Context) error {
			atomic.AddInt32(&checks, 1)
			return errors.New("api down")
		}),
		watchdog.WithRestart(func() error {
			close(restarted)
			return errors.New("exec failed")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not restart the process")
	}

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not return")
	}

	// A dead API restarts on the very first failed check, without
	// waiting for the strike threshold.
	assert.Equal(t, int32(1), atomic.LoadInt32(&checks))
}

func TestWatchdog_StrikesDoNotAccumulateAcrossPlugins(t *testing.T) {
	var restarts int32

	// Two plugins each go stale twice, alternating, then recover. No
	// single plugin reaches the threshold of three, even though four
	// stale observations happen overall.
	var calls int32
	beats := func() map[string]time.Time {
		n := atomic.AddInt32(&calls, 1)
		stale := time.Now().Add(-time.Hour)
		fresh := time.Now()
		switch n {
		case 1, 3:
			return map[string]time.Time{"network": stale, "energy": fresh}
		case 2, 4:
			return map[string]time.Time{"network": fresh, "energy": stale}
		default:
			return map[string]time.Time{"network": fresh, "energy": fresh}
		}
	}

	w := watchdog.New(zerolog.Nop(), beats,
		watchdog.WithInterval(time.Millisecond),
		watchdog.WithRestart(func() error {
			atomic.AddInt32(&restarts, 1)
			return nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(4))
	assert.Zero(t, atomic.LoadInt32(&restarts))
}

func TestWatchdog_StartingPluginIsNotStale(t *testing.T) {
	var restarts int32
	beats := func() map[string]time.Time {
		return map[string]time.Time{"network": {}}
	}
	w := watchdog.New(zerolog.Nop(), beats,
		watchdog.WithInterval(time.Millisecond),
		watchdog.WithRestart(func() error {
			atomic.AddInt32(&restarts, 1)
			return nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Zero(t, atomic.LoadInt32(&restarts))
}
