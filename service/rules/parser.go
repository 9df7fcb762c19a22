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
	"fmt"
	"sort"
	"strconv"
	"unicode"

	"github.com/xsystems/xs/models/xs"
)

// Predicate is a parsed boolean expression over named numeric variables.
type Predicate struct {
	root node
	vars []string
}

// ParsePredicate parses the source of a predicate into its AST form. Any
// construct outside the algebra of literals, variable references,
// arithmetic, comparisons and and/or/not combinators is rejected.
func ParsePredicate(source string) (*Predicate, error) {
	tokens, err := scan(source)
	if err != nil {
		return nil, fmt.Errorf("could not scan predicate: %w", err)
	}

	p := parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("could not parse predicate: %w", err)
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected trailing token (%s)", p.peek().text)
	}

	set := make(map[string]struct{})
	root.variables(set)
	vars := make([]string, 0, len(set))
	for name := range set {
		vars = append(vars, name)
	}
	sort.Strings(vars)

	pred := Predicate{
		root: root,
		vars: vars,
	}

	return &pred, nil
}

// Vars returns the sorted names of all variables the predicate references.
func (p *Predicate) Vars() []string {
	return p.vars
}

// Eval evaluates the predicate against the given context. The result must
// be boolean; a numeric result is an error.
func (p *Predicate) Eval(ctx xs.Context) (bool, error) {
	result, err := p.root.eval(ctx)
	if err != nil {
		return false, err
	}
	if !result.isBool {
		return false, fmt.Errorf("predicate is not boolean")
	}
	return result.truth, nil
}

type tokenKind uint8

const (
	tokenNumber tokenKind = iota + 1
	tokenIdent
	tokenOperator
	tokenParenOpen
	tokenParenClose
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func scan(source string) ([]token, error) {
	var tokens []token
	runes := []rune(source)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokenParenOpen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokenParenClose, text: ")"})
			i++
		case r == '<' || r == '>' || r == '=' || r == '!':
			text := string(r)
			if i+1 < len(runes) && runes[i+1] == '=' {
				text += "="
				i++
			}
			if text == "=" || text == "!" {
				return nil, fmt.Errorf("invalid operator (%s)", text)
			}
			tokens = append(tokens, token{kind: tokenOperator, text: text})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokenOperator, text: string(r)})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number (%s): %w", text, err)
			}
			tokens = append(tokens, token{kind: tokenNumber, text: text, num: num})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[start:i])})
		default:
			return nil, fmt.Errorf("invalid character (%q)", r)
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	index  int
}

func (p *parser) done() bool {
	return p.index >= len(p.tokens)
}

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.index]
}

func (p *parser) next() token {
	t := p.peek()
	p.index++
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokenIdent && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokenIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if !p.done() && p.peek().kind == tokenIdent && p.peek().text == "not" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return negation{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if !p.done() && p.peek().kind == tokenOperator {
		switch p.peek().text {
		case "<", "<=", ">", ">=", "==", "!=":
			op := p.next().text
			right, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			return comparison{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokenOperator && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokenOperator && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = arithmetic{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of predicate")
	}
	t := p.next()
	switch t.kind {
	case tokenNumber:
		return literal{num: t.num}, nil
	case tokenIdent:
		if t.text == "and" || t.text == "or" || t.text == "not" {
			return nil, fmt.Errorf("unexpected keyword (%s)", t.text)
		}
		return variable{name: t.text}, nil
	case tokenParenOpen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokenParenClose {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokenOperator:
		if t.text == "-" {
			inner, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			return arithmetic{op: "-", left: literal{num: 0}, right: inner}, nil
		}
	}
	return nil, fmt.Errorf("unexpected token (%s)", t.text)
}
