// Package schemas validates the JSON documents the probe and summarize workers write to stdout.
package schemas

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed probe_output.json
var probeOutputSchema []byte

//go:embed summarize_output.json
var summarizeOutputSchema []byte

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Name    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Name, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:\n")
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// Schema is a compiled JSON Schema. Compilation happens on first use.
type Schema struct {
	name   string
	source []byte

	once     sync.Once
	compiled *gojsonschema.Schema
	err      error
}

// NewSchema wraps raw schema content under a name used in error messages
func NewSchema(name string, source []byte) *Schema {
	return &Schema{name: name, source: source}
}

var (
	// ProbeOutput validates probe worker stdout
	ProbeOutput = NewSchema("probe_output", probeOutputSchema)
	// SummarizeOutput validates summarize worker stdout
	SummarizeOutput = NewSchema("summarize_output", summarizeOutputSchema)
)

func (s *Schema) load() (*gojsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(s.source))
		if s.err != nil {
			s.err = &SchemaLoadError{Name: s.name, Message: "invalid schema", Cause: s.err}
		}
	})
	return s.compiled, s.err
}

// Validate checks a JSON document against the schema
func (s *Schema) Validate(document []byte) error {
	compiled, err := s.load()
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("failed to parse %s document: %w", s.name, err)
	}
	if result.Valid() {
		return nil
	}
	return toValidationError(result)
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaContent)
	documentLoader := gojsonschema.NewStringLoader(jsonContent)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{
			Name:    "(string schema)",
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}

	if result.Valid() {
		return nil
	}
	return toValidationError(result)
}

func toValidationError(result *gojsonschema.Result) *ValidationError {
	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}

	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
