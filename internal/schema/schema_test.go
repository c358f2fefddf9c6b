package schema

import "testing"

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile("echo-input", map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{"argument": map[string]interface{}{"type": "string"}},
		"required":             []string{"argument"},
		"additionalProperties": true,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if err := s.Validate(map[string]interface{}{"argument": "maradona"}); err != nil {
		t.Errorf("expected valid input to pass: %v", err)
	}
	if err := s.Validate(map[string]interface{}{}); err == nil {
		t.Errorf("expected missing required field to fail validation")
	}
}

func TestEmptySchemaAcceptsAnything(t *testing.T) {
	if err := Empty().Validate(map[string]interface{}{"anything": 1}); err != nil {
		t.Errorf("empty schema should accept anything: %v", err)
	}
}
