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

package rulesync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

// Bus publishes events on the local data bus.
type Bus interface {
	Publish(topic string, payload xs.Payload)
}

// Engine reloads and reports the active ruleset.
type Engine interface {
	Load(path string) error
	Rules() []xs.Rule
}

// Sync applies ruleset pushes from the controller. Each applied update is
// acknowledged on the local bus so the bridge relays it back; a payload
// that does not decode or compile leaves the active ruleset untouched.
type Sync struct {
	log    zerolog.Logger
	edgeID string
	bus    Bus
	engine Engine
	path   string
}

// New creates a ruleset synchronizer persisting updates to the given path.
func New(log zerolog.Logger, edgeID string, bus Bus, engine Engine, path string) *Sync {
	s := Sync{
		log:    log.With().Str("component", "rulesync").Logger(),
		edgeID: edgeID,
		bus:    bus,
		engine: engine,
		path:   path,
	}

	return &s
}

// Apply decodes one ruleset push and swaps it in. Both a bare rule array
// and a wrapped `{"rules": [...]}` document are accepted. The engine loads
// from a temporary sibling first, so a push that does not compile leaves
// both the active ruleset and the persisted file untouched.
func (s *Sync) Apply(payload []byte) error {

	rules, err := decode(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("invalid ruleset push, keeping active ruleset")
		return fmt.Errorf("could not decode ruleset: %w", err)
	}

	tmp, err := s.persist(rules)
	if err != nil {
		return fmt.Errorf("could not persist ruleset: %w", err)
	}

	err = s.engine.Load(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		s.log.Warn().Err(err).Msg("ruleset push did not compile, keeping active ruleset")
		return fmt.Errorf("could not load ruleset: %w", err)
	}

	err = os.Rename(tmp, s.path)
	if err != nil {
		return fmt.Errorf("could not replace rules file: %w", err)
	}

	count := len(s.engine.Rules())
	s.log.Info().Int("rules", count).Msg("ruleset updated")

	ack := xs.Payload{
		"edge_id": s.edgeID,
		"status":  xs.StatusAck,
		"count":   count,
	}
	s.bus.Publish(fmt.Sprintf("%srules_update/%s", xs.AckTopicPrefix, s.edgeID), ack)

	return nil
}

func decode(payload []byte) ([]xs.Rule, error) {

	var rules []xs.Rule
	err := json.Unmarshal(payload, &rules)
	if err == nil {
		return rules, nil
	}

	var wrapped struct {
		Rules []xs.Rule `json:"rules"`
	}
	err = json.Unmarshal(payload, &wrapped)
	if err != nil {
		return nil, fmt.Errorf("could not decode rule list: %w", err)
	}

	return wrapped.Rules, nil
}

// persist writes the ruleset to a temporary sibling of the target path,
// creating the parent directory when needed, and returns its path.
func (s *Sync) persist(rules []xs.Rule) (string, error) {

	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("could not encode rules: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(s.path), 0700)
	if err != nil {
		return "", fmt.Errorf("could not create rules directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(s.path), fmt.Sprintf(".%s.tmp", filepath.Base(s.path)))
	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return "", fmt.Errorf("could not write rules file: %w", err)
	}

	return tmp, nil
}
