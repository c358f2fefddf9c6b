// Package bolt provides the shared base used by the PXP modules that run
// a downloaded executable: script and apply build a CommandObject and
// hand it to Base.InvokeCommand, which takes care of blocking vs.
// non-blocking dispatch, UTF-8
// validation of stdout, and results-metadata bookkeeping.
package bolt

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"unicode/utf8"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/wrapper"
)

// wrapperExecutableName is the helper binary non-blocking actions shell
// out through so the agent process can exit (or be reaped) without
// losing track of the spawned command's stdio and exit code.
const wrapperExecutableName = "pxp-agent-wrapper"

// CommandObject holds the collected parameters for one external-process
// invocation.
type CommandObject struct {
	Executable  string
	Arguments   []string
	Environment map[string]string
	Input       string
	PIDCallback func(pid int)
}

// Base is embedded by every bolt-family module. ExecPrefix locates the
// execution_wrapper helper binary; Storage and Cache give non-blocking
// actions somewhere durable to write results and cache downloaded files.
type Base struct {
	module.Base
	ExecPrefix string
	Storage    *resultsdir.Store
	Cache      *modulecache.Cache
}

// result is the outcome of running a CommandObject, whether synchronously
// or via the detached wrapper.
type result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// InvokeCommand runs cmd on behalf of req, blocking or non-blocking
// depending on req.Type, and returns a fully-populated response. For a
// non-blocking request the wrapped process is still running when this
// returns; the processor's status handler picks the real output up
// later from the results directory once the wrapper records it.
func (b *Base) InvokeCommand(req *action.Request, cmd CommandObject) *action.Response {
	resp := &action.Response{ModuleType: action.External, RequestType: req.Type}

	if req.Type == action.Blocking {
		res, startErr := b.runSync(cmd)
		resp.Output = action.Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		if startErr != nil {
			resp.SetBadResults(res.Stderr)
			return resp
		}
		b.processOutputAndUpdateMetadata(req, resp)
		return resp
	}

	if err := b.launchNonBlocking(req, cmd); err != nil {
		resp.SetBadResults(locale.Format("{1} failed to run: {2}", cmd.Executable, err))
		return resp
	}
	resp.Metadata.Status = action.StatusRunning
	return resp
}

func (b *Base) runSync(cmd CommandObject) (result, error) {
	execCmd := exec.Command(cmd.Executable, cmd.Arguments...)
	execCmd.Env = mergeEnv(cmd.Environment)
	if cmd.Input != "" {
		execCmd.Stdin = bytes.NewBufferString(cmd.Input)
	}
	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitcode := 0
	if err := execCmd.Start(); err != nil {
		return result{ExitCode: 127, Stderr: locale.Format("{1} failed to run: {2}", cmd.Executable, err)}, err
	}
	if cmd.PIDCallback != nil && execCmd.Process != nil {
		cmd.PIDCallback(execCmd.Process.Pid)
	}
	if err := execCmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitcode = exitErr.ExitCode()
		} else {
			exitcode = 127
		}
	}
	return result{ExitCode: exitcode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// launchNonBlocking hands cmd to the detached wrapper binary, which
// takes over stdio redirection into the request's results directory and
// atomically records the exit code once the child exits. It returns as
// soon as the wrapper itself has started; it does not wait for cmd to
// finish.
func (b *Base) launchNonBlocking(req *action.Request, cmd CommandObject) error {
	dir := req.ResultsDir()
	wrapperInput := wrapper.Input{
		Executable:  cmd.Executable,
		Arguments:   cmd.Arguments,
		Input:       cmd.Input,
		Stdout:      filepath.Join(dir, "stdout"),
		Stderr:      filepath.Join(dir, "stderr"),
		Exitcode:    filepath.Join(dir, "exitcode"),
		Environment: cmd.Environment,
	}
	payload, err := json.Marshal(wrapperInput)
	if err != nil {
		return err
	}

	wrapperPath := filepath.Join(b.ExecPrefix, wrapperExecutableName)
	execCmd := exec.Command(wrapperPath)
	execCmd.Stdin = bytes.NewReader(payload)
	execCmd.Env = mergeEnv(cmd.Environment)

	if err := execCmd.Start(); err != nil {
		return err
	}
	if execCmd.Process != nil {
		pid := execCmd.Process.Pid
		if writeErr := b.Storage.WritePID(req.TransactionID, pid); writeErr != nil {
			return writeErr
		}
		if cmd.PIDCallback != nil {
			cmd.PIDCallback(pid)
		}
	}
	// The wrapper detaches and outlives this process; the processor's
	// status handler reaps it later via the results directory.
	go execCmd.Wait()
	return nil
}

// processOutputAndUpdateMetadata validates stdout as UTF-8 and sets the
// response's results accordingly, matching BoltModule::processOutputAndUpdateMetadata.
func (b *Base) processOutputAndUpdateMetadata(req *action.Request, resp *action.Response) {
	out := resp.Output
	if !utf8.ValidString(out.Stdout) {
		stderrNote := locale.Format(" (empty)")
		if out.Stderr != "" {
			stderrNote = "\n" + out.Stderr
		}
		resp.SetBadResults(locale.Format("the task executed for the {1} returned invalid UTF-8 on stdout - stderr:{2}", req.PrettyLabel(), stderrNote))
		return
	}

	results := map[string]interface{}{"exitcode": out.ExitCode}
	if out.Stdout != "" {
		results["stdout"] = out.Stdout
	}
	if out.Stderr != "" {
		results["stderr"] = out.Stderr
	}
	if err := resp.SetValidResults(results); err != nil {
		resp.SetBadResults(err.Error())
	}
}

func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	for k, v := range extra {
		base = append(base, k+"="+v)
	}
	return base
}

// builtinInterpreters maps a downloaded file's extension to an
// interpreter invocation. It is consulted on every platform, so a file
// with a listed extension is always run through its interpreter rather
// than by its executable bit and shebang line.
var builtinInterpreters = map[string]func(filename string) (string, []string){
	".rb": func(filename string) (string, []string) { return "ruby", []string{filename} },
	".pp": func(filename string) (string, []string) { return "puppet", []string{"apply", filename} },
	".ps1": func(filename string) (string, []string) {
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-NoLogo", "-ExecutionPolicy", "Bypass", "-File", filename}
	},
}

// FindExecutableAndArguments fills in cmd.Executable, prepending any
// interpreter arguments the file's extension calls for ahead of
// cmd.Arguments, mirroring findExecutableAndArguments.
func FindExecutableAndArguments(file string, cmd *CommandObject) {
	ext := filepath.Ext(file)
	if builtin, ok := builtinInterpreters[ext]; ok {
		executable, prefixArgs := builtin(file)
		cmd.Executable = executable
		cmd.Arguments = append(append([]string{}, prefixArgs...), cmd.Arguments...)
		return
	}
	cmd.Executable = file
}
