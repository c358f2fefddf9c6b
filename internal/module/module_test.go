package module

import (
	"testing"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

func resultsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile("results", map[string]interface{}{
		"type":                 "object",
		"required":             []string{"exitcode"},
		"additionalProperties": true,
		"properties": map[string]interface{}{
			"exitcode": map[string]interface{}{"type": "integer"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBaseHasAction(t *testing.T) {
	b := &Base{ActionList: []string{"run", "status"}}
	if !b.HasAction("run") {
		t.Error("expected HasAction(run) to be true")
	}
	if b.HasAction("missing") {
		t.Error("expected HasAction(missing) to be false")
	}
}

func TestBaseExecuteSuccess(t *testing.T) {
	b := &Base{ModuleName: "echo", ModuleKind: action.Internal}
	req := &action.Request{Module: "echo", Action: "echo"}

	resp := b.Execute(req, func(r *action.Request) (*action.Response, error) {
		out := &action.Response{ModuleType: action.Internal}
		if err := out.SetValidResults(map[string]int{"exitcode": 0}); err != nil {
			t.Fatal(err)
		}
		return out, nil
	})

	if !resp.Metadata.ResultsAreValid {
		t.Fatal("expected a valid response")
	}
}

func TestBaseExecuteProcessingError(t *testing.T) {
	b := &Base{ModuleName: "echo", ModuleKind: action.Internal}
	req := &action.Request{Module: "echo", Action: "echo"}

	resp := b.Execute(req, func(r *action.Request) (*action.Response, error) {
		return nil, NewProcessingError("bad params: %s", "oops")
	})

	if resp.Metadata.ResultsAreValid {
		t.Fatal("expected an invalid response")
	}
	if resp.Metadata.ExecutionError != "bad params: oops" {
		t.Errorf("ExecutionError = %q, want the processing error message verbatim", resp.Metadata.ExecutionError)
	}
}

func TestBaseExecuteWrapsUnexpectedError(t *testing.T) {
	b := &Base{ModuleName: "echo", ModuleKind: action.Internal}
	req := &action.Request{Module: "echo", Action: "echo"}

	resp := b.Execute(req, func(r *action.Request) (*action.Response, error) {
		return nil, errPlain("disk full")
	})

	if resp.Metadata.ResultsAreValid {
		t.Fatal("expected an invalid response")
	}
	if resp.Metadata.ExecutionError == "" {
		t.Error("expected a non-empty execution_error")
	}
}

func TestBaseExecuteDowngradesSchemaMismatch(t *testing.T) {
	b := &Base{
		ModuleName: "echo",
		ModuleKind: action.Internal,
		ActionSpecs: map[string]ActionSchemas{
			"echo": {Name: "echo", Results: resultsSchema(t)},
		},
	}
	req := &action.Request{Module: "echo", Action: "echo"}

	resp := b.Execute(req, func(r *action.Request) (*action.Response, error) {
		out := &action.Response{ModuleType: action.Internal}
		// missing the required "exitcode" field
		if err := out.SetValidResults(map[string]string{"stdout": "ok"}); err != nil {
			t.Fatal(err)
		}
		return out, nil
	})

	if resp.Metadata.ResultsAreValid {
		t.Fatal("expected schema mismatch to downgrade the response to invalid")
	}
	if resp.Metadata.Status != action.StatusFailure {
		t.Errorf("Status = %s, want %s", resp.Metadata.Status, action.StatusFailure)
	}
}

func TestValidateInputChecksSchema(t *testing.T) {
	input, err := schema.Compile("input", map[string]interface{}{
		"type":     "object",
		"required": []string{"message"},
	})
	if err != nil {
		t.Fatal(err)
	}
	b := &Base{
		ModuleName: "echo",
		ActionSpecs: map[string]ActionSchemas{
			"echo": {Name: "echo", Input: input},
		},
	}

	if err := b.ValidateInput(&action.Request{Action: "echo", Params: []byte(`{"message":"hi"}`)}); err != nil {
		t.Errorf("expected valid params to pass, got %v", err)
	}
	if err := b.ValidateInput(&action.Request{Action: "echo", Params: []byte(`{}`)}); err == nil {
		t.Error("expected missing required field to fail validation")
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
