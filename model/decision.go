package model

// Hit policy constants.
const (
	HitPolicyFirst   = "FIRST"
	HitPolicyUnique  = "UNIQUE"
	HitPolicyCollect = "COLLECT"
)

// Column type constants.
const (
	ColumnTypeString  = "string"
	ColumnTypeNumber  = "number"
	ColumnTypeBoolean = "boolean"
)

// DecisionColumn declares an input or output column.
type DecisionColumn struct {
	ID   string `yaml:"id"   json:"id"`
	Type string `yaml:"type" json:"type"`
}

// DecisionRule maps input cell expressions to output literals.
type DecisionRule struct {
	ID      string            `yaml:"id"      json:"id"`
	Inputs  map[string]string `yaml:"inputs"  json:"inputs"`
	Outputs map[string]any    `yaml:"outputs" json:"outputs"`
}

// DecisionTable is tabular decision logic. It is immutable for the duration of
// an evaluation.
type DecisionTable struct {
	ID            string           `yaml:"id"             json:"id"`
	WorkspaceID   string           `yaml:"workspace_id"   json:"workspace_id,omitempty"`
	Name          string           `yaml:"name"           json:"name,omitempty"`
	HitPolicy     string           `yaml:"hit_policy"     json:"hit_policy"`
	InputColumns  []DecisionColumn `yaml:"input_columns"  json:"input_columns"`
	OutputColumns []DecisionColumn `yaml:"output_columns" json:"output_columns"`
	Rules         []DecisionRule   `yaml:"rules"          json:"rules"`
}

// DecisionResult is the outcome of evaluating a decision table. Output is nil
// when nothing matched; under COLLECT every matched rule's outputs appear in
// Outputs in rule order and Output is nil.
type DecisionResult struct {
	MatchedRuleIDs []string         `json:"matched_rule_ids"`
	Output         map[string]any   `json:"output"`
	Outputs        []map[string]any `json:"outputs,omitempty"`
}
