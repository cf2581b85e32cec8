// Package contract holds the wire contracts with external consumers:
// the truth, task-completion and status document schemas, plus input
// validation helpers. The schema files must not change shape without
// coordinating with dashboards and worker runtimes.
package contract

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Document names one of the wire contracts.
type Document string

const (
	TruthDocument      Document = "truth"
	CompletionDocument Document = "completion"
	StatusDocument     Document = "status"
)

var documentFiles = map[Document]string{
	TruthDocument:      "schemas/truth.schema.json",
	CompletionDocument: "schemas/completion.schema.json",
	StatusDocument:     "schemas/status.schema.json",
}

// Validator holds the compiled wire schemas.
type Validator struct {
	schemas map[Document]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	for doc, file := range documentFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", doc, err)
		}
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", doc, err)
		}
		if err := c.AddResource(string(doc)+".schema.json", parsed); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", doc, err)
		}
	}
	v := &Validator{schemas: make(map[Document]*jsonschema.Schema, len(documentFiles))}
	for doc := range documentFiles {
		schema, err := c.Compile(string(doc) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", doc, err)
		}
		v.schemas[doc] = schema
	}
	return v, nil
}

// Validate checks a JSON document against one of the wire contracts.
func (v *Validator) Validate(doc Document, data []byte) error {
	schema, ok := v.schemas[doc]
	if !ok {
		return fmt.Errorf("unknown document contract %q", doc)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%s document invalid: %w", doc, err)
	}
	return nil
}

// SchemaJSON returns the raw schema bytes for a contract, for consumers
// that inject the schema into prompts or docs.
func SchemaJSON(doc Document) ([]byte, error) {
	file, ok := documentFiles[doc]
	if !ok {
		return nil, fmt.Errorf("unknown document contract %q", doc)
	}
	return schemaFS.ReadFile(file)
}

var queryIDPattern = regexp.MustCompile(`^QUERY-\d+$`)

// ValidQueryID reports whether id is a well-formed query identifier.
func ValidQueryID(id string) bool {
	return queryIDPattern.MatchString(id)
}

// ValidateQuestion enforces the minimum length for free-text questions and
// memory content arriving over the wire.
func ValidateQuestion(text string) error {
	if len(strings.TrimSpace(text)) < 5 {
		return fmt.Errorf("question must be at least 5 characters")
	}
	return nil
}
