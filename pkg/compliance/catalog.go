/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package compliance evaluates a fixed SOC 2 style control catalog against
// live system state and packages the evidence into deterministic, signed
// snapshot bundles.
package compliance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

const (
	StatusPass     = "pass"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

type Control struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description" json:"description"`
}

type catalogFile struct {
	Controls []Control `yaml:"controls"`
}

// Catalog returns the embedded control catalog in file order.
func Catalog() ([]Control, error) {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYAML, &file); err != nil {
		return nil, fmt.Errorf("decoding control catalog, %w", err)
	}
	return file.Controls, nil
}
