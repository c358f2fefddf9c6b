// Package command implements the "command" built-in module: it runs a
// caller-supplied command line through the platform shell and reports its
// exit code plus captured stdout/stderr.
package command

import (
	"bytes"
	"context"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "run"

// Module is the command built-in.
type Module struct {
	module.Base
}

// New builds the command module with its input/results schemas registered.
func New() *Module {
	input, err := schema.Compile("command-input", map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"command": map[string]interface{}{"type": "string"}},
		"required":   []string{"command"},
	})
	if err != nil {
		panic(err)
	}
	results, err := schema.Compile("command-results", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"exitcode": map[string]interface{}{"type": "integer"},
			"stdout":   map[string]interface{}{"type": "string"},
			"stderr":   map[string]interface{}{"type": "string"},
		},
		"required": []string{"exitcode"},
	})
	if err != nil {
		panic(err)
	}
	return &Module{
		Base: module.Base{
			ModuleName: "command",
			ModuleKind: action.Internal,
			ActionList: []string{actionName},
			ActionSpecs: map[string]module.ActionSchemas{
				actionName: {Name: actionName, Input: input, Results: results},
			},
		},
	}
}

// ExecuteAction runs the run action.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	return m.Execute(req, m.callAction)
}

func (m *Module) callAction(req *action.Request) (*action.Response, error) {
	if err := m.ValidateInput(req); err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	params, err := req.ParamsObject()
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	commandLine, _ := params["command"].(string)
	if commandLine == "" {
		return nil, module.NewProcessingError("%s", locale.Format("command action requires a non-empty command"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Hour)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", commandLine)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitcode := 0
	if runErr := cmd.Run(); runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitcode = exitErr.ExitCode()
		} else {
			return nil, module.NewProcessingError("%s", locale.Format("failed to execute command: {1}", runErr))
		}
	}

	resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}

	if !utf8.Valid(stdout.Bytes()) || !utf8.Valid(stderr.Bytes()) {
		resp.SetBadResults(locale.Format("the command produced output that is not valid UTF-8"))
		return resp, nil
	}

	results := map[string]interface{}{"exitcode": exitcode}
	if stdout.Len() > 0 {
		results["stdout"] = stdout.String()
	}
	if stderr.Len() > 0 {
		results["stderr"] = stderr.String()
	}
	if err := resp.SetValidResults(results); err != nil {
		return nil, err
	}
	return resp, nil
}
