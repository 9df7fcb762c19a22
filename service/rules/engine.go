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

package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/xsystems/xs/models/xs"
)

type compiled struct {
	rule xs.Rule
	pred *Predicate
}

// Engine holds the currently loaded ruleset and evaluates it against
// contexts assembled from bus events. Loading replaces the ruleset
// atomically; evaluation is a pure function of the rules and the context,
// apart from recording firings through the storage hook.
type Engine struct {
	log   zerolog.Logger
	store xs.FiringStore

	mutex sync.RWMutex
	rules []compiled
}

// New creates a rules engine recording firings through the given store.
func New(log zerolog.Logger, store xs.FiringStore) *Engine {
	e := Engine{
		log:   log.With().Str("component", "rules").Logger(),
		store: store,
	}

	return &e
}

// Load reads and compiles the rule list at the given path and swaps it in
// atomically. On any read, decode or parse failure the previous list is
// retained and the error returned.
func (e *Engine) Load(path string) error {

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read rules file: %w", err)
	}

	var list []xs.Rule
	err = json.Unmarshal(data, &list)
	if err != nil {
		return fmt.Errorf("could not decode rules file: %w", err)
	}

	var merr *multierror.Error
	rules := make([]compiled, 0, len(list))
	for _, rule := range list {
		pred, err := ParsePredicate(rule.If)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("invalid predicate for rule %s: %w", rule.Name, err))
			continue
		}
		rules = append(rules, compiled{rule: rule, pred: pred})
	}
	err = merr.ErrorOrNil()
	if err != nil {
		return fmt.Errorf("could not compile rules: %w", err)
	}

	e.mutex.Lock()
	e.rules = rules
	e.mutex.Unlock()

	e.log.Info().Int("rules", len(rules)).Str("path", path).Msg("rules loaded")

	return nil
}

// Rules returns a copy of the currently loaded rule list.
func (e *Engine) Rules() []xs.Rule {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	rules := make([]xs.Rule, 0, len(e.rules))
	for _, c := range e.rules {
		rules = append(rules, c.rule)
	}

	return rules
}

// Evaluate runs every rule whose referenced variables are all present in
// the context. A predicate error skips that rule only; a firing is recorded
// through the storage hook.
func (e *Engine) Evaluate(ctx xs.Context) {
	e.mutex.RLock()
	rules := e.rules
	e.mutex.RUnlock()

	for _, c := range rules {
		if !covered(c.pred.Vars(), ctx) {
			continue
		}
		fired, err := c.pred.Eval(ctx)
		if err != nil {
			e.log.Error().Err(err).Str("rule", c.rule.Name).Msg("could not evaluate predicate")
			continue
		}
		if !fired {
			continue
		}
		e.log.Warn().Str("rule", c.rule.Name).Str("action", c.rule.Then).Msg("rule triggered")
		if e.store != nil {
			err = e.store.SaveFiring(c.rule.Name, ctx)
			if err != nil {
				e.log.Error().Err(err).Str("rule", c.rule.Name).Msg("could not persist firing")
			}
		}
	}
}

func covered(vars []string, ctx xs.Context) bool {
	for _, name := range vars {
		_, ok := ctx[name]
		if !ok {
			return false
		}
	}
	return true
}
