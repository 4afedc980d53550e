package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

// MergedParametersSchema returns the schema a run's parameters are validated
// against. Autonomous blueprints always converse through a prompt, so the
// implicit {prompt: string, required} is merged into any custom schema.
// Procedural blueprints use their schema as-is.
func MergedParametersSchema(bp *models.Blueprint) map[string]any {
	if bp.Type != models.BlueprintAutonomous {
		return bp.ParametersSchema
	}

	schema := map[string]any{}
	for k, v := range bp.ParametersSchema {
		schema[k] = v
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}

	properties := map[string]any{}
	if existing, ok := schema["properties"].(map[string]any); ok {
		for k, v := range existing {
			properties[k] = v
		}
	}
	if _, ok := properties["prompt"]; !ok {
		properties["prompt"] = map[string]any{
			"type":        "string",
			"description": "The instruction to send to the agent.",
		}
	}
	schema["properties"] = properties

	required := []any{}
	hasPrompt := false
	if existing, ok := schema["required"].([]any); ok {
		for _, field := range existing {
			required = append(required, field)
			if field == "prompt" {
				hasPrompt = true
			}
		}
	} else if existing, ok := schema["required"].([]string); ok {
		for _, field := range existing {
			required = append(required, field)
			if field == "prompt" {
				hasPrompt = true
			}
		}
	}
	if !hasPrompt {
		required = append(required, "prompt")
	}
	schema["required"] = required

	return schema
}

// ValidateParameters checks parameters against a JSON schema and returns a
// structured validation error on mismatch. A nil or empty schema accepts
// anything.
func ValidateParameters(schema map[string]any, parameters map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return apperr.Internal(fmt.Errorf("failed to marshal parameters schema: %w", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", strings.NewReader(string(schemaJSON))); err != nil {
		return apperr.BadRequest(fmt.Sprintf("invalid parameters schema: %v", err))
	}
	compiled, err := compiler.Compile("parameters.json")
	if err != nil {
		return apperr.BadRequest(fmt.Sprintf("invalid parameters schema: %v", err))
	}

	// Round-trip through JSON so typed values validate like wire values.
	var instance any = map[string]any{}
	if parameters != nil {
		data, err := json.Marshal(parameters)
		if err != nil {
			return apperr.Internal(fmt.Errorf("failed to marshal parameters: %w", err))
		}
		if err := json.Unmarshal(data, &instance); err != nil {
			return apperr.Internal(fmt.Errorf("failed to decode parameters: %w", err))
		}
	}

	if err := compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return apperr.Validation(flattenValidationError(ve), schema)
		}
		return apperr.BadRequest(err.Error())
	}
	return nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []apperr.FieldError {
	var details []apperr.FieldError
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == "" || strings.HasPrefix(unit.Error, "doesn't validate with") {
			continue
		}
		details = append(details, apperr.FieldError{
			Path:       unit.InstanceLocation,
			Message:    unit.Error,
			SchemaPath: unit.KeywordLocation,
		})
	}
	if len(details) == 0 {
		details = append(details, apperr.FieldError{
			Path:    ve.InstanceLocation,
			Message: ve.Message,
		})
	}
	return details
}
