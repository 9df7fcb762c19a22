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

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/xsystems/xs/models/xs"
)

// ManifestName is the file each plugin bundle carries at its root.
const ManifestName = "plugin.yaml"

// Discover scans the given directory for plugin bundles. A bundle is any
// subdirectory carrying a manifest; subdirectories without one are
// ignored. A manifest that does not parse or names no plugin fails the
// whole discovery, since running with a partial plugin set would mask a
// broken deployment. Results are ordered by plugin name.
func Discover(dir string) ([]xs.Descriptor, error) {

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read plugin directory: %w", err)
	}

	var descriptors []xs.Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		bundle := filepath.Join(dir, entry.Name())
		manifest := filepath.Join(bundle, ManifestName)
		data, err := os.ReadFile(manifest)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("could not read manifest %s: %w", manifest, err)
		}

		var desc xs.Descriptor
		err = yaml.Unmarshal(data, &desc)
		if err != nil {
			return nil, fmt.Errorf("could not parse manifest %s: %w", manifest, err)
		}
		if desc.Name == "" {
			return nil, fmt.Errorf("manifest %s names no plugin", manifest)
		}
		desc.Dir = bundle

		descriptors = append(descriptors, desc)
	}

	sort.Slice(descriptors, func(i int, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})

	return descriptors, nil
}
