package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WildcardCohort is the cohort key whose table definitions apply to every cohort.
const WildcardCohort = "*"

// TableDef describes one logical table type: how its columns are renamed at
// load, where its identifiers live and which data definition validates it.
type TableDef struct {
	// Rename maps source header names to output column names
	Rename map[string]string `yaml:"rename" json:"rename"`

	// IdentifierColumns are candidate identifier columns (output or source names), first match wins
	IdentifierColumns []string `yaml:"identifier_columns" json:"identifier_columns"`

	// IdentifierBearing marks an anchor table whose identifier set scopes the cohort wave
	IdentifierBearing bool `yaml:"identifier_bearing" json:"identifier_bearing"`

	// References is the anchor table type a dependent table is checked against
	References string `yaml:"references" json:"references"`

	// Definition is the data-definition reference handed to the rule engine
	Definition string `yaml:"definition" json:"definition"`

	// Required source columns; a header missing one fails the artifact
	Required []string `yaml:"required" json:"required"`
}

// CarriesIdentifiers reports whether extraction runs for this table type.
func (d TableDef) CarriesIdentifiers() bool {
	return d.IdentifierBearing || d.References != "" || len(d.IdentifierColumns) > 0
}

// Mappings holds table definitions keyed by cohort, then by table type.
type Mappings struct {
	// Strict rejects table types that have no definition instead of using the identity mapping
	Strict bool `yaml:"strict" json:"strict"`

	Cohorts map[string]map[string]TableDef `yaml:"cohorts" json:"cohorts"`
}

// LoadMappings reads a mappings YAML file. An empty path yields empty mappings.
func LoadMappings(path string) (*Mappings, error) {
	m := &Mappings{Cohorts: make(map[string]map[string]TableDef)}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings file: %w", err)
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse mappings file: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup returns the definition of tableType for cohort, falling back to the
// wildcard cohort. found is false when neither defines the table type.
func (m *Mappings) Lookup(cohort, tableType string) (def TableDef, found bool) {
	if m == nil {
		return TableDef{}, false
	}
	if tables, ok := m.Cohorts[cohort]; ok {
		if def, ok := tables[tableType]; ok {
			return def, true
		}
	}
	if tables, ok := m.Cohorts[WildcardCohort]; ok {
		if def, ok := tables[tableType]; ok {
			return def, true
		}
	}
	return TableDef{}, false
}

// Validate checks that rename targets are unique per table type and that
// references point at a defined table type.
func (m *Mappings) Validate() error {
	for cohort, tables := range m.Cohorts {
		for tableType, def := range tables {
			seen := make(map[string]string, len(def.Rename))
			for src, dst := range def.Rename {
				if dst == "" {
					return fmt.Errorf("mappings: %s/%s renames %q to an empty name", cohort, tableType, src)
				}
				if prev, ok := seen[dst]; ok {
					return fmt.Errorf("mappings: %s/%s renames both %q and %q to %q", cohort, tableType, prev, src, dst)
				}
				seen[dst] = src
			}
			if def.References != "" {
				if _, ok := m.Lookup(cohort, def.References); !ok {
					return fmt.Errorf("mappings: %s/%s references undefined table type %q", cohort, tableType, def.References)
				}
			}
		}
	}
	return nil
}
