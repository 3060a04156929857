package model

// DefinitionFile is the root structure of a definition file. Each file
// declares the decision tables and SLA policies of one workspace area.
type DefinitionFile struct {
	Name           string          `yaml:"name"            json:"name"`
	Version        string          `yaml:"version"         json:"version"`
	DecisionTables []DecisionTable `yaml:"decision_tables" json:"decision_tables,omitempty"`
	SlaDefinitions []SlaDefinition `yaml:"sla_definitions" json:"sla_definitions,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}
