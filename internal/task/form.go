package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/flowcore/model"
)

// validateForm checks form data against a task's JSON schema. A task without
// a schema accepts any form data. Every violation is reported as a field
// error of a single VALIDATION_ERROR.
func validateForm(schemaDoc map[string]any, formData map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("marshal form schema: %w", err)
	}
	schema := openapi3.NewSchema()
	if err := schema.UnmarshalJSON(raw); err != nil {
		return fmt.Errorf("parse form schema: %w", err)
	}

	// Round-trip the data so numbers reach the validator as float64, the
	// same shape they have when decoded from a request body.
	var value any = map[string]any{}
	if formData != nil {
		data, err := json.Marshal(formData)
		if err != nil {
			return model.NewBadRequestError("form data is not valid JSON")
		}
		if err := json.Unmarshal(data, &value); err != nil {
			return model.NewBadRequestError("form data is not valid JSON")
		}
	}

	err = schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(formFieldErrors(err))
}

func formFieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var details []model.FieldError
		for _, e := range multi {
			details = append(details, formFieldErrors(e)...)
		}
		return details
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		code := "INVALID_VALUE"
		if se.SchemaField == "required" {
			code = "REQUIRED"
		}
		return []model.FieldError{{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    code,
			Message: se.Reason,
		}}
	}

	return []model.FieldError{{Code: "INVALID_VALUE", Message: err.Error()}}
}
