package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/qri-io/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var createQuestionSchema = mustLoadSchema("schemas/question_create.json")

func mustLoadSchema(path string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("read embedded schema %s: %v", path, err))
	}
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(b, rs); err != nil {
		panic(fmt.Sprintf("compile embedded schema %s: %v", path, err))
	}
	return rs
}

// validateAgainstSchema checks a raw request body against a compiled schema
// and converts key errors into the error envelope's details map.
func validateAgainstSchema(ctx context.Context, rs *jsonschema.Schema, body []byte) (map[string]any, bool) {
	keyErrs, err := rs.ValidateBytes(ctx, body)
	if err != nil {
		return map[string]any{"body": "invalid JSON in request body"}, false
	}
	if len(keyErrs) == 0 {
		return nil, true
	}

	violations := make([]map[string]any, 0, len(keyErrs))
	for _, ke := range keyErrs {
		violations = append(violations, map[string]any{
			"field":   ke.PropertyPath,
			"message": ke.Message,
		})
	}
	return map[string]any{"violations": violations}, false
}
