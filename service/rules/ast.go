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

	"github.com/xsystems/xs/models/xs"
)

// The predicate algebra is deliberately small: numeric literals, variable
// references, arithmetic, comparisons and logical combinators. Predicates
// are parsed into this AST and evaluated against a context; no host code is
// ever executed.

type value struct {
	num    float64
	truth  bool
	isBool bool
}

type node interface {
	eval(ctx xs.Context) (value, error)
	variables(set map[string]struct{})
}

type literal struct {
	num float64
}

func (l literal) eval(xs.Context) (value, error) {
	return value{num: l.num}, nil
}

func (l literal) variables(map[string]struct{}) {}

type variable struct {
	name string
}

func (v variable) eval(ctx xs.Context) (value, error) {
	num, ok := ctx[v.name]
	if !ok {
		return value{}, fmt.Errorf("undefined variable (%s)", v.name)
	}
	return value{num: num}, nil
}

func (v variable) variables(set map[string]struct{}) {
	set[v.name] = struct{}{}
}

type arithmetic struct {
	op    string
	left  node
	right node
}

func (a arithmetic) eval(ctx xs.Context) (value, error) {
	left, err := a.left.eval(ctx)
	if err != nil {
		return value{}, err
	}
	right, err := a.right.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if left.isBool || right.isBool {
		return value{}, fmt.Errorf("arithmetic on boolean operand (%s)", a.op)
	}
	switch a.op {
	case "+":
		return value{num: left.num + right.num}, nil
	case "-":
		return value{num: left.num - right.num}, nil
	case "*":
		return value{num: left.num * right.num}, nil
	case "/":
		if right.num == 0 {
			return value{}, fmt.Errorf("division by zero")
		}
		return value{num: left.num / right.num}, nil
	}
	return value{}, fmt.Errorf("invalid arithmetic operator (%s)", a.op)
}

func (a arithmetic) variables(set map[string]struct{}) {
	a.left.variables(set)
	a.right.variables(set)
}

type comparison struct {
	op    string
	left  node
	right node
}

func (c comparison) eval(ctx xs.Context) (value, error) {
	left, err := c.left.eval(ctx)
	if err != nil {
		return value{}, err
	}
	right, err := c.right.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if left.isBool || right.isBool {
		return value{}, fmt.Errorf("comparison on boolean operand (%s)", c.op)
	}
	var truth bool
	switch c.op {
	case "<":
		truth = left.num < right.num
	case "<=":
		truth = left.num <= right.num
	case ">":
		truth = left.num > right.num
	case ">=":
		truth = left.num >= right.num
	case "==":
		truth = left.num == right.num
	case "!=":
		truth = left.num != right.num
	default:
		return value{}, fmt.Errorf("invalid comparison operator (%s)", c.op)
	}
	return value{truth: truth, isBool: true}, nil
}

func (c comparison) variables(set map[string]struct{}) {
	c.left.variables(set)
	c.right.variables(set)
}

type logical struct {
	op    string
	left  node
	right node
}

func (l logical) eval(ctx xs.Context) (value, error) {
	left, err := l.left.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if !left.isBool {
		return value{}, fmt.Errorf("logical operand is not boolean (%s)", l.op)
	}

	// Short-circuit before evaluating the right side.
	if l.op == "and" && !left.truth {
		return value{truth: false, isBool: true}, nil
	}
	if l.op == "or" && left.truth {
		return value{truth: true, isBool: true}, nil
	}

	right, err := l.right.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if !right.isBool {
		return value{}, fmt.Errorf("logical operand is not boolean (%s)", l.op)
	}
	return value{truth: right.truth, isBool: true}, nil
}

func (l logical) variables(set map[string]struct{}) {
	l.left.variables(set)
	l.right.variables(set)
}

type negation struct {
	inner node
}

func (n negation) eval(ctx xs.Context) (value, error) {
	inner, err := n.inner.eval(ctx)
	if err != nil {
		return value{}, err
	}
	if !inner.isBool {
		return value{}, fmt.Errorf("negation operand is not boolean")
	}
	return value{truth: !inner.truth, isBool: true}, nil
}

func (n negation) variables(set map[string]struct{}) {
	n.inner.variables(set)
}
