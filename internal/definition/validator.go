package definition

import (
	"fmt"

	"github.com/pitabwire/flowcore/internal/decision"
	"github.com/pitabwire/flowcore/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definition files structurally and checks that every
// decision table compiles.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files. IDs must be unique across files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	tableIDs := make(map[string]string)
	slaIDs := make(map[string]string)
	slaKeys := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if f.Name == "" {
			errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
		}
		if f.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}

		for j, t := range f.DecisionTables {
			tp := fmt.Sprintf("%s.decision_tables[%d]", prefix, j)
			if t.ID != "" {
				if other, dup := tableIDs[t.ID]; dup {
					errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("decision table %q already defined in %s", t.ID, other)})
				}
				tableIDs[t.ID] = f.SourceFile
			}
			errs = append(errs, v.validateDecisionTable(tp, t)...)
		}

		for j, d := range f.SlaDefinitions {
			sp := fmt.Sprintf("%s.sla_definitions[%d]", prefix, j)
			if d.ID != "" {
				if other, dup := slaIDs[d.ID]; dup {
					errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("SLA definition %q already defined in %s", d.ID, other)})
				}
				slaIDs[d.ID] = f.SourceFile
			}
			key := d.WorkspaceID + "/" + d.TargetType
			if other, dup := slaKeys[key]; dup && d.TargetType != "" {
				errs = append(errs, VError{Path: sp + ".target_type", Code: "DUPLICATE", Message: fmt.Sprintf("target type %q already covered by %q", d.TargetType, other)})
			}
			slaKeys[key] = d.ID
			errs = append(errs, v.validateSla(sp, d)...)
		}
	}
	return errs
}

func (v *Validator) validateDecisionTable(prefix string, t model.DecisionTable) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(t.InputColumns) == 0 {
		errs = append(errs, VError{Path: prefix + ".input_columns", Code: "REQUIRED", Message: "at least one input column is required"})
	}
	if len(t.Rules) == 0 {
		errs = append(errs, VError{Path: prefix + ".rules", Code: "REQUIRED", Message: "at least one rule is required"})
	}

	if err := decision.Validate(t); err != nil {
		ee, ok := model.AsEnvelope(err)
		if !ok {
			return append(errs, VError{Path: prefix, Code: model.ErrInternalError, Message: err.Error()})
		}
		if len(ee.Details) == 0 {
			errs = append(errs, VError{Path: prefix, Code: ee.Code, Message: ee.Message})
		}
		for _, d := range ee.Details {
			errs = append(errs, VError{Path: prefix + "." + d.Field, Code: ee.Code, Message: d.Message})
		}
	}

	return errs
}

func (v *Validator) validateSla(prefix string, d model.SlaDefinition) []VError {
	var errs []VError

	if d.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if d.TargetType == "" {
		errs = append(errs, VError{Path: prefix + ".target_type", Code: "REQUIRED", Message: "target_type is required"})
	}
	if d.ResponseTargetMinutes <= 0 {
		errs = append(errs, VError{Path: prefix + ".response_target_minutes", Code: "RANGE", Message: "response_target_minutes must be positive"})
	}
	if d.ResolutionTargetMinutes <= 0 {
		errs = append(errs, VError{Path: prefix + ".resolution_target_minutes", Code: "RANGE", Message: "resolution_target_minutes must be positive"})
	}
	if d.WarningThresholdPercent <= 0 || d.WarningThresholdPercent >= 100 {
		errs = append(errs, VError{Path: prefix + ".warning_threshold_percent", Code: "RANGE", Message: "warning_threshold_percent must be between 0 and 100 exclusive"})
	}

	pause := make(map[string]bool, len(d.PauseStatuses))
	for _, s := range d.PauseStatuses {
		pause[s] = true
	}
	for _, s := range d.ResolvedStatuses {
		if pause[s] {
			errs = append(errs, VError{Path: prefix + ".resolved_statuses", Code: "CONFLICT", Message: fmt.Sprintf("status %q is both a pause and a resolved status", s)})
		}
	}
	for i, kind := range d.ResponseMetOn {
		if !model.IsValidEventKind(kind) {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.response_met_on[%d]", prefix, i), Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown event kind %q", kind)})
		}
	}

	return errs
}
