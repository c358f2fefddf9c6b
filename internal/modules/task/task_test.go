package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/tasklib"
)

// fakeTaskWrapper writes a tiny shell script standing in for
// pxp-agent-task-wrapper: it parses just enough of its stdin JSON to
// write a canned success envelope to the given output files, without
// needing the real Go binary built.
func fakeTaskWrapper(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
read -r body
field() { printf '%s\n' "$body" | sed -n 's/.*"'"$1"'":"\([^"]*\)".*/\1/p'; }
echo '{"output":"hello from task"}' > "$(field stdout)"
: > "$(field stderr)"
echo 0 > "$(field exitcode)"
`
	path := filepath.Join(dir, taskWrapperBinary)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCallActionBlockingParsesWrapperOutput(t *testing.T) {
	dir := t.TempDir()
	fakeTaskWrapper(t, dir)

	m := New(dir)
	params := map[string]interface{}{"task": "mymodule::mytask", "input": map[string]interface{}{"x": 1}}
	raw, _ := json.Marshal(params)
	req := &action.Request{Type: action.Blocking, Module: "task", Action: actionName, Params: raw, TransactionID: "tx1"}

	resp := m.ExecuteAction(req)
	if !resp.Metadata.ResultsAreValid {
		t.Fatalf("expected valid results, got error: %s", resp.Metadata.ExecutionError)
	}
	var results struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(resp.Metadata.Results, &results); err != nil {
		t.Fatal(err)
	}
	if results.Output != "hello from task" {
		t.Errorf("output = %q, want %q", results.Output, "hello from task")
	}
}

func TestSplitTaskNameDefaultsToInit(t *testing.T) {
	module, taskName, ok := tasklib.SplitName("apache")
	if !ok || module != "apache" || taskName != "init" {
		t.Errorf("got (%q, %q, %v), want (apache, init, true)", module, taskName, ok)
	}
}

func TestSplitTaskNameWithExplicitTask(t *testing.T) {
	module, taskName, ok := tasklib.SplitName("apache::restart")
	if !ok || module != "apache" || taskName != "restart" {
		t.Errorf("got (%q, %q, %v), want (apache, restart, true)", module, taskName, ok)
	}
}

func TestSplitTaskNameRejectsInvalid(t *testing.T) {
	if _, _, ok := tasklib.SplitName("not valid!"); ok {
		t.Error("expected invalid task name to be rejected")
	}
}
