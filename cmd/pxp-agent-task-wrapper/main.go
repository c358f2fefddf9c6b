// Command pxp-agent-task-wrapper resolves a Puppet task name to its file
// on disk and runs it, writing the task's stdout wrapped in a small
// {"output": ...} / {"_error": {kind, msg}} envelope, its stderr, and its
// exit code to the files named in the request. The "task" module runs it
// for both blocking and non-blocking task actions.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"unicode/utf8"

	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/pkg/fsutil"
	"github.com/puppetlabs/pxp-agent/internal/tasklib"
	"github.com/puppetlabs/pxp-agent/internal/wrapper"
)

const posixFileMode = 0640

// input is the JSON document this binary expects on stdin. Unlike
// wrapper.Input it carries the task name and its JSON input instead of a
// literal executable/arguments pair, and nests the output file paths
// under output_files.
type input struct {
	Task        string          `json:"task"`
	Input       json.RawMessage `json:"input"`
	OutputFiles struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		Exitcode string `json:"exitcode"`
	} `json:"output_files"`
}

func main() {
	os.Exit(run())
}

func run() int {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stdoutResult := map[string]interface{}{}
	var stderrStr string
	exitcode := 255

	module, task, ok := tasklib.SplitName(in.Task)
	if !ok {
		setError(stdoutResult, "invalid-task", locale.Format("Invalid task name '{1}'", in.Task))
	} else {
		taskFile, resolveErr := tasklib.Resolve(module, task)
		if resolveErr != nil {
			setError(stdoutResult, "not-found", resolveErr.Error())
		} else {
			out, errOut, code, execErr := execute(taskFile, in.Input)
			if execErr != nil {
				setError(stdoutResult, "exec-failed", locale.Format("Task '{1}' failed to run: {2}", in.Task, execErr))
			} else if !utf8.Valid(out) {
				setError(stdoutResult, "output-encoding-error", locale.Format("Output cannot be represented as a JSON string"))
				stderrStr = string(errOut)
				exitcode = code
			} else {
				stdoutResult["output"] = string(out)
				stderrStr = string(errOut)
				exitcode = code
			}
		}
	}

	stdoutPayload, err := json.Marshal(stdoutResult)
	if err != nil {
		stdoutPayload = []byte(`{}`)
	}

	if err := fsutil.AtomicWriteFile(in.OutputFiles.Stdout, stdoutPayload, posixFileMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := fsutil.AtomicWriteFile(in.OutputFiles.Stderr, []byte(stderrStr), posixFileMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := fsutil.AtomicWriteFile(in.OutputFiles.Exitcode, []byte(strconv.Itoa(exitcode)), posixFileMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	return 0
}

func setError(result map[string]interface{}, kind, msg string) {
	result["_error"] = wrapper.TaskErrorDetail{Kind: "puppetlabs.tasks/" + kind, Msg: msg}
}

func execute(taskFile string, input json.RawMessage) (stdout, stderr []byte, exitcode int, err error) {
	cmd := exec.Command(taskFile)
	cmd.Env = os.Environ()
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if startErr := cmd.Start(); startErr != nil {
		return nil, nil, 0, startErr
	}
	waitErr := cmd.Wait()
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, nil, 0, waitErr
	}
	return outBuf.Bytes(), errBuf.Bytes(), 0, nil
}
