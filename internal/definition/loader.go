// Package definition loads base workflow definitions from YAML, validates
// them, and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hoa/model"
)

// SchemaError is returned by the Loader when a file does not satisfy the
// base definition JSON Schema.
type SchemaError struct {
	File   string
	Errors []VError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%s does not match the base definition schema: %s", e.File, strings.Join(msgs, "; "))
}

// Loader scans directories for YAML base definition files, parses them, and
// computes SHA-256 checksums. Each file holds exactly one workflow.
type Loader struct {
	schema *SchemaValidator
}

// NewLoader creates a Loader. A nil schema skips the JSON Schema check.
func NewLoader(schema *SchemaValidator) *Loader {
	return &Loader{schema: schema}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a BaseDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.BaseDefinition, error) {
	var defs []model.BaseDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads, schema-checks and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (model.BaseDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BaseDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(path, data)
}

// Parse decodes one definition document. source is recorded as SourceFile.
func (l *Loader) Parse(source string, data []byte) (model.BaseDefinition, error) {
	if l.schema != nil {
		verrs, err := l.schema.ValidateYAML(data)
		if err != nil {
			return model.BaseDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
		}
		if len(verrs) > 0 {
			return model.BaseDefinition{}, &SchemaError{File: source, Errors: verrs}
		}
	}

	var def model.BaseDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.BaseDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source

	return def, nil
}

// IsSchemaError reports whether err was caused by a schema mismatch.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
