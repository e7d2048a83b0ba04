package evidence

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed artifact.schema.json
var artifactSchemaJSON string

const artifactSchemaURL = "artifact.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(artifactSchemaURL, strings.NewReader(artifactSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(artifactSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Validate checks the artifact's JSON form against the embedded schema.
func Validate(a Artifact) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	return ValidateJSON(raw)
}

func ValidateJSON(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("artifact schema: %w", err)
	}
	return nil
}
