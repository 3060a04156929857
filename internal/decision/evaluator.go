// Package decision evaluates decision tables: rows of input cell expressions
// mapped to output literals, resolved by a hit policy.
package decision

import (
	"fmt"
	"maps"

	"github.com/pitabwire/flowcore/model"
)

type compiledRule struct {
	id      string
	cells   []compiledCell
	outputs map[string]any
}

type compiledCell struct {
	columnID string
	match    cellMatcher
}

// Program is a compiled decision table, safe for concurrent evaluation.
type Program struct {
	tableID   string
	hitPolicy string
	rules     []compiledRule
}

// Compile validates a decision table and compiles every cell expression.
// Structural problems produce a VALIDATION_ERROR; malformed cells produce an
// INVALID_EXPRESSION naming the rule and column.
func Compile(table model.DecisionTable) (*Program, error) {
	hitPolicy := table.HitPolicy
	if hitPolicy == "" {
		hitPolicy = model.HitPolicyUnique
	}

	var details []model.FieldError
	switch hitPolicy {
	case model.HitPolicyFirst, model.HitPolicyUnique, model.HitPolicyCollect:
	default:
		details = append(details, model.FieldError{
			Field: "hit_policy", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("unknown hit policy %q (FIRST, UNIQUE, COLLECT)", table.HitPolicy),
		})
	}

	inputTypes := make(map[string]string, len(table.InputColumns))
	for i, col := range table.InputColumns {
		details = append(details, checkColumn(fmt.Sprintf("input_columns[%d]", i), col, inputTypes)...)
	}
	outputTypes := make(map[string]string, len(table.OutputColumns))
	for i, col := range table.OutputColumns {
		details = append(details, checkColumn(fmt.Sprintf("output_columns[%d]", i), col, outputTypes)...)
	}

	ruleIDs := make(map[string]bool, len(table.Rules))
	for i, rule := range table.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if rule.ID == "" {
			details = append(details, model.FieldError{Field: prefix + ".id", Code: "REQUIRED", Message: "rule id is required"})
		} else if ruleIDs[rule.ID] {
			details = append(details, model.FieldError{Field: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate rule id %q", rule.ID)})
		}
		ruleIDs[rule.ID] = true

		for colID := range rule.Inputs {
			if _, ok := inputTypes[colID]; !ok {
				details = append(details, model.FieldError{Field: prefix + ".inputs." + colID, Code: "UNKNOWN_COLUMN", Message: "not a declared input column"})
			}
		}
		for colID := range rule.Outputs {
			if _, ok := outputTypes[colID]; !ok {
				details = append(details, model.FieldError{Field: prefix + ".outputs." + colID, Code: "UNKNOWN_COLUMN", Message: "not a declared output column"})
			}
		}
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	p := &Program{tableID: table.ID, hitPolicy: hitPolicy, rules: make([]compiledRule, 0, len(table.Rules))}
	for _, rule := range table.Rules {
		cr := compiledRule{id: rule.ID, outputs: rule.Outputs}
		for _, col := range table.InputColumns {
			match, err := compileCell(rule.Inputs[col.ID], col.Type)
			if err != nil {
				return nil, model.NewInvalidExpressionError(rule.ID, col.ID, err.Error())
			}
			cr.cells = append(cr.cells, compiledCell{columnID: col.ID, match: match})
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

func checkColumn(prefix string, col model.DecisionColumn, seen map[string]string) []model.FieldError {
	var details []model.FieldError
	if col.ID == "" {
		details = append(details, model.FieldError{Field: prefix + ".id", Code: "REQUIRED", Message: "column id is required"})
	} else if _, dup := seen[col.ID]; dup {
		details = append(details, model.FieldError{Field: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate column id %q", col.ID)})
	}
	switch col.Type {
	case "", model.ColumnTypeString, model.ColumnTypeNumber, model.ColumnTypeBoolean:
	default:
		details = append(details, model.FieldError{Field: prefix + ".type", Code: "INVALID_VALUE", Message: fmt.Sprintf("unknown column type %q", col.Type)})
	}
	seen[col.ID] = col.Type
	return details
}

// HitPolicy returns the effective hit policy of the compiled table.
func (p *Program) HitPolicy() string {
	return p.hitPolicy
}

// Evaluate matches the input row against the rules according to the hit
// policy. It has no side effects; the returned outputs are copies.
func (p *Program) Evaluate(row map[string]any) (*model.DecisionResult, error) {
	result := &model.DecisionResult{MatchedRuleIDs: []string{}}

	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.matches(row) {
			continue
		}
		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.id)

		switch p.hitPolicy {
		case model.HitPolicyFirst:
			result.Output = maps.Clone(rule.outputs)
			return result, nil
		case model.HitPolicyUnique:
			if result.Output != nil || len(result.MatchedRuleIDs) > 1 {
				continue
			}
			result.Output = maps.Clone(rule.outputs)
		case model.HitPolicyCollect:
			result.Outputs = append(result.Outputs, maps.Clone(rule.outputs))
		}
	}

	if p.hitPolicy == model.HitPolicyUnique && len(result.MatchedRuleIDs) > 1 {
		return nil, model.NewAmbiguousRulesError(p.tableID, result.MatchedRuleIDs)
	}
	if result.Output == nil && p.hitPolicy != model.HitPolicyCollect && len(result.MatchedRuleIDs) == 1 {
		result.Output = map[string]any{}
	}
	return result, nil
}

func (r *compiledRule) matches(row map[string]any) bool {
	for _, c := range r.cells {
		if !c.match(row[c.columnID]) {
			return false
		}
	}
	return true
}

// Evaluate compiles and evaluates a table in one step.
func Evaluate(table model.DecisionTable, row map[string]any) (*model.DecisionResult, error) {
	p, err := Compile(table)
	if err != nil {
		return nil, err
	}
	return p.Evaluate(row)
}

// Validate reports whether a table compiles, without evaluating it.
func Validate(table model.DecisionTable) error {
	_, err := Compile(table)
	return err
}
