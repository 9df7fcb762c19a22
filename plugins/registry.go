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

package plugins

import (
	"github.com/xsystems/xs/models/xs"
	"github.com/xsystems/xs/plugins/edgelink"
	"github.com/xsystems/xs/plugins/energy"
	"github.com/xsystems/xs/plugins/network"
)

// Registry maps manifest names to the plugins compiled into this binary.
// The supervisor only starts plugins that are both discovered on disk and
// present here.
func Registry() map[string]xs.PluginFactory {
	return map[string]xs.PluginFactory{
		"network":  func(caps xs.Capabilities) xs.Plugin { return network.New(caps) },
		"energy":   func(caps xs.Capabilities) xs.Plugin { return energy.New(caps) },
		"edgelink": func(caps xs.Capabilities) xs.Plugin { return edgelink.New(caps) },
	}
}
