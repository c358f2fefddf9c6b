// Package task implements the "task" built-in module: it hands a task
// name and its JSON input to the pxp-agent-task-wrapper helper binary,
// which resolves the name to a file under the tasks directory, runs it,
// and reports output/_error plus stderr and an exit code.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const (
	actionName        = "run"
	taskWrapperBinary = "pxp-agent-task-wrapper"
	invocationTimeout = 10 * time.Minute
)

var inputSchemaDoc = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"task":  map[string]interface{}{"type": "string"},
		"input": map[string]interface{}{"type": "object"},
	},
	"required":             []string{"task", "input"},
	"additionalProperties": true,
}

// wrapperInput is the JSON document piped to pxp-agent-task-wrapper.
type wrapperInput struct {
	Task        string          `json:"task"`
	Input       json.RawMessage `json:"input"`
	OutputFiles outputFiles     `json:"output_files"`
}

type outputFiles struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Exitcode string `json:"exitcode"`
}

type wrapperError struct {
	Error struct {
		Kind string `json:"kind"`
		Msg  string `json:"msg"`
	} `json:"_error"`
}

type wrapperOutput struct {
	Output string `json:"output"`
}

// Module is the task built-in.
type Module struct {
	module.Base
	ExecPrefix string
}

// New builds the task module.
func New(execPrefix string) *Module {
	input, err := schema.Compile("task-input", inputSchemaDoc)
	if err != nil {
		panic(err)
	}
	return &Module{
		Base: module.Base{
			ModuleName: "task",
			ModuleKind: action.External,
			ActionList: []string{actionName},
			ActionSpecs: map[string]module.ActionSchemas{
				actionName: {Name: actionName, Input: input, Results: schema.Empty()},
			},
			Async: true,
		},
		ExecPrefix: execPrefix,
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
	taskName, _ := params["task"].(string)
	taskInput, err := json.Marshal(params["input"])
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}

	resp := &action.Response{ModuleType: action.External, RequestType: req.Type}

	if req.Type == action.NonBlocking {
		dir := req.ResultsDir()
		if err := m.launch(taskName, taskInput, outputFiles{
			Stdout:   filepath.Join(dir, "stdout"),
			Stderr:   filepath.Join(dir, "stderr"),
			Exitcode: filepath.Join(dir, "exitcode"),
		}); err != nil {
			resp.SetBadResults(err.Error())
			return resp, nil
		}
		resp.Metadata.Status = action.StatusRunning
		return resp, nil
	}

	dir, err := os.MkdirTemp("", "pxp-task-")
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	defer os.RemoveAll(dir)

	files := outputFiles{
		Stdout:   filepath.Join(dir, "stdout"),
		Stderr:   filepath.Join(dir, "stderr"),
		Exitcode: filepath.Join(dir, "exitcode"),
	}
	if err := m.runSync(taskName, taskInput, files); err != nil {
		resp.SetBadResults(err.Error())
		return resp, nil
	}

	stdoutRaw, _ := os.ReadFile(files.Stdout)
	stderrRaw, _ := os.ReadFile(files.Stderr)
	exitcodeRaw, _ := os.ReadFile(files.Exitcode)
	exitcode, _ := strconv.Atoi(string(bytes.TrimSpace(exitcodeRaw)))

	resp.Output = action.Output{ExitCode: exitcode, Stdout: string(stdoutRaw), Stderr: string(stderrRaw)}

	var wErr wrapperError
	if json.Unmarshal(stdoutRaw, &wErr) == nil && wErr.Error.Kind != "" {
		resp.SetBadResults(wErr.Error.Msg)
		return resp, nil
	}

	var out wrapperOutput
	if err := json.Unmarshal(stdoutRaw, &out); err != nil {
		resp.SetBadResults("task wrapper produced unparsable output: " + err.Error())
		return resp, nil
	}
	if err := resp.SetValidResults(map[string]interface{}{"output": out.Output}); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Module) runSync(taskName string, taskInput json.RawMessage, files outputFiles) error {
	payload, err := json.Marshal(wrapperInput{Task: taskName, Input: taskInput, OutputFiles: files})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), invocationTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, filepath.Join(m.ExecPrefix, taskWrapperBinary))
	cmd.Stdin = bytes.NewReader(payload)
	return cmd.Run()
}

func (m *Module) launch(taskName string, taskInput json.RawMessage, files outputFiles) error {
	payload, err := json.Marshal(wrapperInput{Task: taskName, Input: taskInput, OutputFiles: files})
	if err != nil {
		return err
	}
	cmd := exec.Command(filepath.Join(m.ExecPrefix, taskWrapperBinary))
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
