package definition

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/base_definition.schema.json
var baseDefinitionSchema string

// SchemaValidator checks raw definition documents against the embedded
// base definition JSON Schema before they are decoded.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the embedded schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(baseDefinitionSchema))
	if err != nil {
		return nil, fmt.Errorf("compile base definition schema: %w", err)
	}
	return &SchemaValidator{schema: s}, nil
}

// ValidateYAML converts a YAML document to JSON and validates it. It
// returns one VError per schema violation, or an error if the document
// cannot be decoded at all.
func (v *SchemaValidator) ValidateYAML(data []byte) ([]VError, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert definition to JSON: %w", err)
	}
	return v.ValidateJSON(js)
}

// ValidateJSON validates a JSON document.
func (v *SchemaValidator) ValidateJSON(data []byte) ([]VError, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]VError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, VError{
			Path:    e.Field(),
			Code:    "SCHEMA",
			Message: e.Description(),
		})
	}
	return errs, nil
}
