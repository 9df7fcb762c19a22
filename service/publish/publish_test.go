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

package publish_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/publish"
	"github.com/xsystems/xs/testing/mocks"
)

var testRules = []xs.Rule{
	{Name: "HighLatency", If: "network_latency>150", Then: "alert"},
	{Name: "LowEnergy", If: "energy_level<30", Then: "alert"},
}

func TestPublisher_PushToSingleEdge(t *testing.T) {
	var records []*xs.RulesetRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveRulesetFunc = func(record *xs.RulesetRecord) error {
		records = append(records, record)
		return nil
	}

	var topics []string
	transport := mocks.BaselineTransport(t)
	transport.PublishFunc = func(topic string, payload []byte) error {
		topics = append(topics, topic)
		return nil
	}

	path := filepath.Join(t.TempDir(), "rules_latest.json")
	p := publish.New(zerolog.Nop(), store, transport, path)

	receipt, err := p.Push(publish.Request{Rules: testRules, EdgeID: "xsedge-1234"})
	require.NoError(t, err)

	assert.Equal(t, []string{"xsedge-1234"}, receipt.Targets)
	assert.Equal(t, []string{"xsctrl/rules/xsedge-1234"}, receipt.Topics)
	assert.Equal(t, 2, receipt.Rules)

	require.Len(t, records, 1)
	assert.Equal(t, "xsedge-1234", records[0].EdgeID)
	assert.Len(t, records[0].Rules, 2)

	assert.Equal(t, []string{"xsctrl/rules/xsedge-1234"}, topics)

	// The latest ruleset is kept on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HighLatency")
}

func TestPublisher_PushToMultipleEdges(t *testing.T) {
	var records []*xs.RulesetRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveRulesetFunc = func(record *xs.RulesetRecord) error {
		records = append(records, record)
		return nil
	}

	var topics []string
	transport := mocks.BaselineTransport(t)
	transport.PublishFunc = func(topic string, payload []byte) error {
		topics = append(topics, topic)
		return nil
	}

	path := filepath.Join(t.TempDir(), "rules_latest.json")
	p := publish.New(zerolog.Nop(), store, transport, path)

	receipt, err := p.Push(publish.Request{Rules: testRules, Edges: []string{"xsedge-1111", "xsedge-2222"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"xsedge-1111", "xsedge-2222"}, receipt.Targets)
	assert.Equal(t, []string{"xsctrl/rules/xsedge-1111", "xsctrl/rules/xsedge-2222"}, topics)
	assert.Len(t, records, 2)
}

func TestPublisher_PushBroadcast(t *testing.T) {
	var records []*xs.RulesetRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveRulesetFunc = func(record *xs.RulesetRecord) error {
		records = append(records, record)
		return nil
	}

	var topics []string
	transport := mocks.BaselineTransport(t)
	transport.PublishFunc = func(topic string, payload []byte) error {
		topics = append(topics, topic)
		return nil
	}

	path := filepath.Join(t.TempDir(), "rules_latest.json")
	p := publish.New(zerolog.Nop(), store, transport, path)

	receipt, err := p.Push(publish.Request{Rules: testRules, Broadcast: true})
	require.NoError(t, err)

	assert.Equal(t, []string{xs.BroadcastTarget}, receipt.Targets)
	assert.Equal(t, []string{"xsctrl/rules/all"}, topics)

	require.Len(t, records, 1)
	assert.Equal(t, xs.BroadcastTarget, records[0].EdgeID)
}

func TestPublisher_PushBroadcastKeepsNamedEdges(t *testing.T) {
	var records []*xs.RulesetRecord
	store := mocks.BaselineRecordStore(t)
	store.SaveRulesetFunc = func(record *xs.RulesetRecord) error {
		records = append(records, record)
		return nil
	}

	var topics []string
	transport := mocks.BaselineTransport(t)
	transport.PublishFunc = func(topic string, payload []byte) error {
		topics = append(topics, topic)
		return nil
	}

	path := filepath.Join(t.TempDir(), "rules_latest.json")
	p := publish.New(zerolog.Nop(), store, transport, path)

	// Broadcasting on top of named edges publishes to the per-edge
	// topics first and adds the shared topic.
	receipt, err := p.Push(publish.Request{
		Rules:     testRules,
		EdgeID:    "xsedge-1234",
		Edges:     []string{"xsedge-5678"},
		Broadcast: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"xsedge-1234", "xsedge-5678"}, receipt.Targets)
	assert.Equal(t, []string{
		"xsctrl/rules/xsedge-1234",
		"xsctrl/rules/xsedge-5678",
		"xsctrl/rules/all",
	}, topics)

	require.Len(t, records, 2)
	assert.Equal(t, "xsedge-1234", records[0].EdgeID)
	assert.Equal(t, "xsedge-5678", records[1].EdgeID)
}

func TestPublisher_PushRejectsBadRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules_latest.json")
	transport := mocks.BaselineTransport(t)
	transport.PublishFunc = func(string, []byte) error {
		t.Fatal("nothing should be published")
		return nil
	}
	p := publish.New(zerolog.Nop(), mocks.BaselineRecordStore(t), transport, path)

	// Empty ruleset.
	_, err := p.Push(publish.Request{EdgeID: "xsedge-1234"})
	assert.Error(t, err)

	// No target.
	_, err = p.Push(publish.Request{Rules: testRules})
	assert.Error(t, err)

	// A rule that does not compile.
	broken := []xs.Rule{{Name: "Broken", If: "exec('rm')", Then: "alert"}}
	_, err = p.Push(publish.Request{Rules: broken, Broadcast: true})
	assert.Error(t, err)

	// Nothing was persisted either.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
