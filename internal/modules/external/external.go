// Package external loads PXP modules backed by an arbitrary executable:
// at load time the loader runs the executable with the single argument
// "metadata" (no stdin), parses its JSON description of the actions it
// supports, and registers each action's declared input/results schemas.
// Invoking an action builds an invocation JSON object and either spawns
// the executable directly (blocking) or hands it to the Execution
// Wrapper as a detached child (non-blocking).
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/schema"
	"github.com/puppetlabs/pxp-agent/internal/wrapper"
)

// wrapperExecutableName is the detached helper non-blocking actions are
// routed through, shared with the bolt-family modules.
const wrapperExecutableName = "pxp-agent-wrapper"

// metadataTimeout bounds how long the loader waits for an executable to
// print its metadata before giving up on it.
const metadataTimeout = 10 * time.Second

var metaSchema = mustCompileMeta()

func mustCompileMeta() *schema.Schema {
	doc := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{"type": "string"},
			"actions": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name":        map[string]interface{}{"type": "string"},
						"description": map[string]interface{}{"type": "string"},
						"input":       map[string]interface{}{"type": "object"},
						"results":     map[string]interface{}{"type": "object"},
					},
					"required": []string{"name"},
				},
			},
		},
		"required": []string{"description", "actions"},
	}
	s, err := schema.Compile("external-module-metadata", doc)
	if err != nil {
		panic(err)
	}
	return s
}

// metadataDoc is the JSON document an external module's executable
// prints when invoked with the argument "metadata".
type metadataDoc struct {
	Description string         `json:"description"`
	Actions     []actionMeta   `json:"actions"`
	Config      map[string]any `json:"configuration,omitempty"`
}

type actionMeta struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Input       json.RawMessage `json:"input"`
	Results     json.RawMessage `json:"results"`
}

// Module is a loaded external module: the shared Base carries the
// registered action list and compiled schemas, callAction shells out to
// Path for every invocation.
type Module struct {
	module.Base
	Path       string
	ExecPrefix string
	Config     json.RawMessage
	Storage    *resultsdir.Store
}

// Load runs execPath with the argument "metadata", parses and validates
// the result, and returns a Module with one registered action per entry
// in the metadata. config is the module's static configuration (from
// pxp-agent's config file), passed through verbatim on every invocation;
// it may be nil. storage locates the results directory non-blocking
// invocations report their PID and output files under.
func Load(execPath, execPrefix string, config json.RawMessage, storage *resultsdir.Store) (*Module, error) {
	name := filepath.Base(execPath)

	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, execPath, "metadata")
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to load module metadata for %s: %w", name, err)
	}

	if err := metaSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid module metadata for %s: %w", name, err)
	}
	var meta metadataDoc
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("invalid module metadata for %s: %w", name, err)
	}

	actionList := make([]string, 0, len(meta.Actions))
	specs := make(map[string]module.ActionSchemas, len(meta.Actions))
	for _, am := range meta.Actions {
		input, err := schema.Compile(name+"-"+am.Name+"-input", am.Input)
		if err != nil {
			return nil, fmt.Errorf("invalid input schema for %s/%s: %w", name, am.Name, err)
		}
		results, err := schema.Compile(name+"-"+am.Name+"-results", am.Results)
		if err != nil {
			return nil, fmt.Errorf("invalid results schema for %s/%s: %w", name, am.Name, err)
		}
		actionList = append(actionList, am.Name)
		specs[am.Name] = module.ActionSchemas{Name: am.Name, Input: input, Results: results}
	}

	return &Module{
		Base: module.Base{
			ModuleName:  name,
			ModuleKind:  action.External,
			ActionList:  actionList,
			ActionSpecs: specs,
			Async:       true,
		},
		Path:       execPath,
		ExecPrefix: execPrefix,
		Config:     config,
		Storage:    storage,
	}, nil
}

// invocation is the JSON object fed to the module executable's stdin.
type invocation struct {
	Input         json.RawMessage  `json:"input"`
	Configuration json.RawMessage  `json:"configuration"`
	OutputFiles   *invocationFiles `json:"output_files,omitempty"`
}

type invocationFiles struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Exitcode string `json:"exitcode"`
	PID      string `json:"pid"`
}

// ExecuteAction runs the named action, validating its declared input and
// results schemas around the call.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	return m.Execute(req, m.callAction)
}

func (m *Module) callAction(req *action.Request) (*action.Response, error) {
	if err := m.ValidateInput(req); err != nil {
		return nil, module.NewProcessingError("%s", err)
	}

	config := m.Config
	if len(config) == 0 {
		config = json.RawMessage("null")
	}
	inv := invocation{Input: req.Params, Configuration: config}

	resp := &action.Response{ModuleType: action.External, RequestType: req.Type}

	if req.Type == action.Blocking {
		payload, err := json.Marshal(inv)
		if err != nil {
			return nil, module.NewProcessingError("%s", err)
		}
		out, exitcode, err := m.runSync(payload)
		if err != nil {
			resp.SetBadResults(locale.Format("{1} failed to run: {2}", m.Path, err))
			return resp, nil
		}
		resp.Output = action.Output{ExitCode: exitcode, Stdout: out.stdout, Stderr: out.stderr}
		m.processOutputAndUpdateMetadata(req, resp)
		return resp, nil
	}

	files := invocationFiles{
		Stdout:   m.Storage.StdoutPath(req.TransactionID),
		Stderr:   m.Storage.StderrPath(req.TransactionID),
		Exitcode: m.Storage.ExitCodePath(req.TransactionID),
		PID:      m.Storage.PIDPath(req.TransactionID),
	}
	inv.OutputFiles = &files
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	if err := m.launchNonBlocking(req, payload, files); err != nil {
		resp.SetBadResults(locale.Format("{1} failed to run: {2}", m.Path, err))
		return resp, nil
	}
	resp.Metadata.Status = action.StatusRunning
	return resp, nil
}

type syncOutput struct {
	stdout string
	stderr string
}

// runSync spawns the module executable directly, feeding it the
// invocation JSON on stdin and capturing its stdout/stderr/exit code.
func (m *Module) runSync(payload []byte) (syncOutput, int, error) {
	cmd := exec.Command(m.Path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return syncOutput{}, 127, err
	}
	exitcode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitcode = exitErr.ExitCode()
		} else {
			return syncOutput{}, 127, err
		}
	}
	return syncOutput{stdout: stdout.String(), stderr: stderr.String()}, exitcode, nil
}

// launchNonBlocking hands the invocation JSON through the detached
// Execution Wrapper to the module executable, which receives it on
// stdin exactly as the blocking path would; the wrapper captures its
// stdout/stderr and exit code into the transaction's results directory.
// It returns once the wrapper itself has started.
func (m *Module) launchNonBlocking(req *action.Request, invocationPayload []byte, files invocationFiles) error {
	wrapperPath := filepath.Join(m.ExecPrefix, wrapperExecutableName)
	wrapperInput := wrapper.Input{
		Executable: m.Path,
		Input:      string(invocationPayload),
		Stdout:     files.Stdout,
		Stderr:     files.Stderr,
		Exitcode:   files.Exitcode,
	}
	payload, err := json.Marshal(wrapperInput)
	if err != nil {
		return err
	}
	cmd := exec.Command(wrapperPath)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Start(); err != nil {
		return err
	}
	if cmd.Process != nil {
		if err := m.Storage.WritePID(req.TransactionID, cmd.Process.Pid); err != nil {
			return err
		}
	}
	go cmd.Wait()
	return nil
}

func (m *Module) processOutputAndUpdateMetadata(req *action.Request, resp *action.Response) {
	out := resp.Output
	if !utf8.ValidString(out.Stdout) {
		resp.SetBadResults(locale.Format("the task executed for the {1} returned invalid UTF-8 on stdout - stderr:{2}", req.PrettyLabel(), out.Stderr))
		return
	}
	var results interface{}
	if out.Stdout == "" {
		results = map[string]interface{}{}
	} else if err := json.Unmarshal([]byte(out.Stdout), &results); err != nil {
		resp.SetBadResults(locale.Format("the task executed for the {1} returned output that could not be parsed as JSON: {2}", req.PrettyLabel(), err))
		return
	}
	if err := resp.SetValidResults(results); err != nil {
		resp.SetBadResults(err.Error())
	}
}
