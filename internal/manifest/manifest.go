// Package manifest parses subgraph manifests and the artifacts they link
// to: the GraphQL schema, data source ABIs, and WASM mapping modules.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Link is a single content-addressed reference, serialized in manifests
// under the IPLD-style "/" key, e.g. {"/": "/ipfs/Qm..."}.
type Link struct {
	Link string `yaml:"/"`
}

// File wraps a Link under a "file" key, as used by the schema reference.
type File struct {
	File Link `yaml:"file"`
}

// Abi is one ABI entry in a data source's mapping.
type Abi struct {
	File Link `yaml:"file"`
}

// Mapping is the mapping bundle of a data source: an optional WASM
// module link (absent for file data sources) and zero or more ABIs.
type Mapping struct {
	File *Link `yaml:"file,omitempty"`
	Abis []Abi `yaml:"abis,omitempty"`
}

// DataSource is one entry in a manifest's dataSources or templates list.
// Network is nil for data sources that don't declare one (e.g. file data
// sources), which are exempt from network-coherence checks.
type DataSource struct {
	Kind    string  `yaml:"kind"`
	Network *string `yaml:"network,omitempty"`
	Mapping Mapping `yaml:"mapping"`
}

// Manifest is the top-level subgraph manifest document.
type Manifest struct {
	Schema      File         `yaml:"schema"`
	DataSources []DataSource `yaml:"dataSources"`
	Templates   []DataSource `yaml:"templates,omitempty"`
}

// AllDataSources returns data sources followed by templates, in
// declaration order, the iteration order the validator relies on.
func (m Manifest) AllDataSources() []DataSource {
	all := make([]DataSource, 0, len(m.DataSources)+len(m.Templates))
	all = append(all, m.DataSources...)
	all = append(all, m.Templates...)
	return all
}

// Parse YAML-decodes raw manifest bytes.
func Parse(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
