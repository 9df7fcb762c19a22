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

package mocks

import (
	"testing"

	"github.com/xsystems/xs/models/xs"
)

type Publisher struct {
	PublishFunc func(topic string, payload xs.Payload)
}

func BaselinePublisher(t *testing.T) *Publisher {
	t.Helper()

	p := Publisher{
		PublishFunc: func(string, xs.Payload) {},
	}

	return &p
}

func (p *Publisher) Publish(topic string, payload xs.Payload) {
	p.PublishFunc(topic, payload)
}

type Transport struct {
	PublishFunc func(topic string, payload []byte) error
}

func BaselineTransport(t *testing.T) *Transport {
	t.Helper()

	tr := Transport{
		PublishFunc: func(string, []byte) error {
			return nil
		},
	}

	return &tr
}

func (t *Transport) Publish(topic string, payload []byte) error {
	return t.PublishFunc(topic, payload)
}
