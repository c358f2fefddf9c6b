package inventory

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/puppetlabs/pxp-agent/internal/action"
)

func TestExecuteActionReportsRuntimeFacts(t *testing.T) {
	m := New()
	req := &action.Request{Type: action.Blocking, Module: "inventory", Action: actionName, Params: json.RawMessage(`{}`)}

	resp := m.ExecuteAction(req)
	if !resp.Metadata.ResultsAreValid {
		t.Fatalf("expected valid results, got error: %s", resp.Metadata.ExecutionError)
	}
	var facts struct {
		OS       string `json:"os"`
		Arch     string `json:"arch"`
		Hostname string `json:"hostname"`
		PID      int    `json:"pid"`
	}
	if err := json.Unmarshal(resp.Metadata.Results, &facts); err != nil {
		t.Fatal(err)
	}
	if facts.OS != runtime.GOOS {
		t.Errorf("os = %q, want %q", facts.OS, runtime.GOOS)
	}
	if facts.Arch != runtime.GOARCH {
		t.Errorf("arch = %q, want %q", facts.Arch, runtime.GOARCH)
	}
	if facts.PID == 0 {
		t.Error("expected a non-zero pid")
	}
}
