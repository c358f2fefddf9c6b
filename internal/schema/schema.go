// Package schema wraps github.com/santhosh-tekuri/jsonschema/v5 behind the
// small surface the module framework needs: compile a schema from an
// in-memory JSON document, then validate arbitrary JSON values against it.
//
// This replaces the bespoke constraint-based Schema/Validator classes in
// leatherman's json_container with a real JSON-schema implementation,
// which is what the external-module metadata ("input"/"results" schemas
// supplied by third-party executables) actually requires.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema ready for repeated validation.
type Schema struct {
	compiled *jsonschema.Schema
}

// emptySchema matches anything; used when a module declares no schema for
// a given slot (config, or a results schema the author chose to skip).
var emptySchema = &Schema{}

// Empty returns a permissive schema that accepts any JSON value.
func Empty() *Schema { return emptySchema }

// Compile builds a Schema from a JSON schema document given as raw bytes
// or any JSON-marshalable value.
func Compile(name string, doc interface{}) (*Schema, error) {
	raw, ok := doc.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal schema %s: %w", name, err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Empty(), nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + name
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks that value (any JSON-marshalable Go value, or a
// json.RawMessage) satisfies the schema.
func (s *Schema) Validate(value interface{}) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	var v interface{}
	switch val := value.(type) {
	case json.RawMessage:
		if len(val) == 0 {
			v = map[string]interface{}{}
		} else if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
