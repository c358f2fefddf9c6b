package ping

import (
	"encoding/json"
	"testing"

	"github.com/puppetlabs/pxp-agent/internal/action"
)

func TestExecuteActionEchoesDebugHops(t *testing.T) {
	m := New()
	debugEntry := json.RawMessage(`{"hops":[{"server":"broker1","time":"2026-07-31T00:00:00Z"}]}`)
	req := &action.Request{
		Type:   action.Blocking,
		Module: "ping",
		Action: actionName,
		Params: json.RawMessage(`{}`),
		Debug:  []action.DebugChunk{debugEntry},
	}

	resp := m.ExecuteAction(req)
	if !resp.Metadata.ResultsAreValid {
		t.Fatalf("expected valid results, got error: %s", resp.Metadata.ExecutionError)
	}
	var results struct {
		RequestHops []json.RawMessage `json:"request_hops"`
	}
	if err := json.Unmarshal(resp.Metadata.Results, &results); err != nil {
		t.Fatal(err)
	}
	if len(results.RequestHops) != 1 {
		t.Errorf("got %d hops, want 1", len(results.RequestHops))
	}
}

func TestExecuteActionMissingDebugFails(t *testing.T) {
	m := New()
	req := &action.Request{Type: action.Blocking, Module: "ping", Action: actionName, Params: json.RawMessage(`{}`)}

	resp := m.ExecuteAction(req)
	if resp.Metadata.ResultsAreValid {
		t.Fatal("expected failure when no debug entry is present")
	}
}
