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

package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/supervisor"
)

type fakePlugin struct {
	crashes int32
	stops   int32
	steady  chan struct{}
	once    sync.Once
}

func newFakePlugin(crashes int32) *fakePlugin {
	return &fakePlugin{
		crashes: crashes,
		steady:  make(chan struct{}),
	}
}

func (f *fakePlugin) Run(ctx context.Context, beat func()) error {
	beat()
	if atomic.AddInt32(&f.crashes, -1) >= 0 {
		return errors.New("plugin crash")
	}
	f.once.Do(func() { close(f.steady) })
	<-ctx.Done()
	return nil
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	atomic.AddInt32(&f.stops, 1)
	return nil
}

type panickyPlugin struct {
	fakePlugin
	panics int32
}

func newPanickyPlugin(panics int32) *panickyPlugin {
	return &panickyPlugin{
		fakePlugin: fakePlugin{steady: make(chan struct{})},
		panics:     panics,
	}
}

func (p *panickyPlugin) Run(ctx context.Context, beat func()) error {
	beat()
	if atomic.AddInt32(&p.panics, -1) >= 0 {
		panic("nil map write")
	}
	p.once.Do(func() { close(p.steady) })
	<-ctx.Done()
	return nil
}

func writeBundle(t *testing.T, dir string, name string, manifest string) {
	t.Helper()

	bundle := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(bundle, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, supervisor.ManifestName), []byte(manifest), 0600))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()

	writeBundle(t, dir, "network", "name: network\nversion: 1.0.0\ndescription: network probe\n")
	writeBundle(t, dir, "energy", "name: energy\nversion: 1.2.0\nartifact: energy.bin\nsha256: abc123\n")

	// A subdirectory without a manifest and a plain file are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	descriptors, err := supervisor.Discover(dir)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	assert.Equal(t, "energy", descriptors[0].Name)
	assert.Equal(t, "1.2.0", descriptors[0].Version)
	assert.Equal(t, "abc123", descriptors[0].SHA256)
	assert.Equal(t, filepath.Join(dir, "energy", "energy.bin"), descriptors[0].ArtifactPath())
	assert.Equal(t, "network", descriptors[1].Name)
}

func TestDiscover_MissingDirectory(t *testing.T) {
	descriptors, err := supervisor.Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, descriptors)
}

func TestDiscover_InvalidManifest(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "broken", "name: [\n")

	_, err := supervisor.Discover(dir)
	assert.Error(t, err)

	dir = t.TempDir()
	writeBundle(t, dir, "anonymous", "version: 1.0.0\n")

	_, err = supervisor.Discover(dir)
	assert.Error(t, err)
}

func TestSupervisor_RestartsCrashedPlugin(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "network", "name: network\nversion: 1.0.0\n")

	plugin := newFakePlugin(2)
	registry := map[string]xs.PluginFactory{
		"network": func(caps xs.Capabilities) xs.Plugin { return plugin },
	}

	sup := supervisor.New(zerolog.Nop(), registry, xs.Capabilities{}, supervisor.WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, dir) }()

	// The plugin crashes twice and then settles into its steady state.
	select {
	case <-plugin.steady:
	case <-time.After(time.Second):
		t.Fatal("plugin did not reach steady state")
	}

	require.Eventually(t, func() bool {
		records := sup.Records()
		return len(records) == 1 && records[0].State == xs.PluginRunning
	}, time.Second, time.Millisecond)

	records := sup.Records()
	assert.Equal(t, "network", records[0].Name)
	assert.Equal(t, 2, records[0].Restarts)
	assert.False(t, records[0].LastBeat.IsZero())

	beats := sup.Heartbeats()
	assert.False(t, beats["network"].IsZero())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not shut down")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&plugin.stops))
	assert.Equal(t, xs.PluginStopped, sup.Records()[0].State)
}

func TestSupervisor_CrashIsolation(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "network", "name: network\nversion: 1.0.0\n")
	writeBundle(t, dir, "energy", "name: energy\nversion: 1.0.0\n")

	healthy := newFakePlugin(0)
	flaky := newFakePlugin(1 << 20)
	registry := map[string]xs.PluginFactory{
		"network": func(caps xs.Capabilities) xs.Plugin { return healthy },
		"energy":  func(caps xs.Capabilities) xs.Plugin { return flaky },
	}

	sup := supervisor.New(zerolog.Nop(), registry, xs.Capabilities{}, supervisor.WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx, dir) }()

	// The healthy plugin keeps running while its sibling crash-loops.
	select {
	case <-healthy.steady:
	case <-time.After(time.Second):
		t.Fatal("healthy plugin did not reach steady state")
	}

	require.Eventually(t, func() bool {
		states := make(map[string]string)
		restarts := make(map[string]int)
		for _, record := range sup.Records() {
			states[record.Name] = record.State
			restarts[record.Name] = record.Restarts
		}
		return states["network"] == xs.PluginRunning && restarts["energy"] > 0
	}, time.Second, time.Millisecond)
}

func TestSupervisor_ContainsPanickingPlugin(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "network", "name: network\nversion: 1.0.0\n")

	plugin := newPanickyPlugin(2)
	registry := map[string]xs.PluginFactory{
		"network": func(caps xs.Capabilities) xs.Plugin { return plugin },
	}

	sup := supervisor.New(zerolog.Nop(), registry, xs.Capabilities{}, supervisor.WithBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, dir) }()

	// A panic is contained like a crash: the plugin restarts and the
	// process keeps running.
	select {
	case <-plugin.steady:
	case <-time.After(time.Second):
		t.Fatal("plugin did not recover from panicking")
	}

	require.Eventually(t, func() bool {
		records := sup.Records()
		return len(records) == 1 && records[0].State == xs.PluginRunning
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, sup.Records()[0].Restarts)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestSupervisor_SkipsUnknownAndUnverified(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "mystery", "name: mystery\nversion: 1.0.0\n")
	writeBundle(t, dir, "network", "name: network\nversion: 1.0.0\nartifact: net.bin\nsha256: deadbeef\n")

	plugin := newFakePlugin(0)
	registry := map[string]xs.PluginFactory{
		"network": func(caps xs.Capabilities) xs.Plugin { return plugin },
	}

	verify := verifierFunc(func(path string, digest string) error {
		return errors.New("digest mismatch")
	})

	sup := supervisor.New(zerolog.Nop(), registry, xs.Capabilities{}, supervisor.WithVerifier(verify))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sup.Run(ctx, dir))

	// Neither the unknown nor the unverified plugin was started.
	assert.Empty(t, sup.Records())
}

type verifierFunc func(path string, digest string) error

func (f verifierFunc) VerifyPlugin(path string, digest string) error {
	return f(path, digest)
}
