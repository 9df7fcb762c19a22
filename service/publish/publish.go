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

package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/service/rules"
)

// BroadcastTopic addresses every edge at once.
const BroadcastTopic = "xsctrl/rules/all"

// ErrUnavailable indicates the broker transport rejected the publish after
// the ruleset was already validated and recorded.
var ErrUnavailable = errors.New("broker unavailable")

// Store persists ruleset upload audit records.
type Store interface {
	SaveRuleset(record *xs.RulesetRecord) error
}

// Transport publishes raw messages to the broker.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// Request describes one ruleset push. A push addresses a single edge, an
// explicit list, a broadcast to all edges, or any combination; broadcast
// adds the shared topic on top of the named edges.
type Request struct {
	Rules     []xs.Rule `json:"rules" validate:"required,min=1"`
	EdgeID    string    `json:"edge_id"`
	Edges     []string  `json:"edges"`
	Broadcast bool      `json:"broadcast"`
}

// Receipt reports what a push did.
type Receipt struct {
	Targets []string `json:"targets"`
	Topics  []string `json:"topics"`
	Rules   int      `json:"rules"`
}

// Publisher pushes rulesets to edges. Every rule is compiled before
// anything is published, so an edge never receives a ruleset the
// controller already knows is broken.
type Publisher struct {
	log       zerolog.Logger
	store     Store
	transport Transport
	validate  *validator.Validate
	path      string
}

// New creates a publisher keeping the latest pushed ruleset at the given
// path.
func New(log zerolog.Logger, store Store, transport Transport, path string) *Publisher {
	p := Publisher{
		log:       log.With().Str("component", "publish").Logger(),
		store:     store,
		transport: transport,
		validate:  validator.New(),
		path:      path,
	}

	return &p
}

// Push compiles, persists and publishes one ruleset to its targets.
func (p *Publisher) Push(req Request) (*Receipt, error) {

	err := p.validate.Struct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid ruleset push: %w", err)
	}

	var merr *multierror.Error
	for _, rule := range req.Rules {
		_, err := rules.ParsePredicate(rule.If)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("invalid predicate for rule %s: %w", rule.Name, err))
		}
	}
	err = merr.ErrorOrNil()
	if err != nil {
		return nil, fmt.Errorf("could not compile ruleset: %w", err)
	}

	targets, topics, err := resolve(req)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(req.Rules)
	if err != nil {
		return nil, fmt.Errorf("could not encode ruleset: %w", err)
	}

	err = p.persist(data)
	if err != nil {
		return nil, fmt.Errorf("could not persist ruleset: %w", err)
	}

	now := time.Now().UTC()
	for _, target := range targets {
		record := xs.RulesetRecord{
			EdgeID:     target,
			Rules:      req.Rules,
			UploadedAt: now,
		}
		err = p.store.SaveRuleset(&record)
		if err != nil {
			return nil, fmt.Errorf("could not record ruleset upload: %w", err)
		}
	}

	for _, topic := range topics {
		err = p.transport.Publish(topic, data)
		if err != nil {
			p.log.Error().Err(err).Str("topic", topic).Msg("could not publish ruleset")
			return nil, fmt.Errorf("could not publish ruleset to %s: %w", topic, ErrUnavailable)
		}
	}

	p.log.Info().Int("rules", len(req.Rules)).Strs("targets", targets).Msg("ruleset pushed")

	receipt := Receipt{
		Targets: targets,
		Topics:  topics,
		Rules:   len(req.Rules),
	}

	return &receipt, nil
}

// resolve maps the addressing mode of a request to its audit targets and
// broker topics. Named edges keep their per-edge topics even when the push
// also broadcasts, so the audit trail records who was addressed directly.
func resolve(req Request) ([]string, []string, error) {

	var edges []string
	if req.EdgeID != "" {
		edges = append(edges, req.EdgeID)
	}
	edges = append(edges, req.Edges...)
	if len(edges) == 0 && !req.Broadcast {
		return nil, nil, fmt.Errorf("ruleset push names no target")
	}

	targets := edges
	topics := make([]string, 0, len(edges)+1)
	for _, edge := range edges {
		topics = append(topics, fmt.Sprintf("xsctrl/rules/%s", edge))
	}

	if req.Broadcast {
		topics = append(topics, BroadcastTopic)
		if len(targets) == 0 {
			targets = []string{xs.BroadcastTarget}
		}
	}

	return targets, topics, nil
}

// persist atomically replaces the latest-ruleset file.
func (p *Publisher) persist(data []byte) error {

	err := os.MkdirAll(filepath.Dir(p.path), 0700)
	if err != nil {
		return fmt.Errorf("could not create ruleset directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(p.path), fmt.Sprintf(".%s.tmp", filepath.Base(p.path)))
	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("could not write ruleset file: %w", err)
	}

	return os.Rename(tmp, p.path)
}
