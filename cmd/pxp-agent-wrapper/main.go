// Command pxp-agent-wrapper is the detached helper a non-blocking bolt
// action runs through: it reads a wrapper.Input document from stdin,
// runs the named executable with its stdio redirected into the given
// files, and atomically records the exit code once it finishes. It is
// launched detached so the agent process never blocks on the action's
// lifetime.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/pkg/fsutil"
	"github.com/puppetlabs/pxp-agent/internal/wrapper"
)

const posixFileMode = 0640

func main() {
	os.Exit(run())
}

func run() int {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 127
	}

	var in wrapper.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 127
	}

	exitcode := runCommand(in)

	if err := fsutil.AtomicWriteFile(in.Exitcode, []byte(strconv.Itoa(exitcode)), posixFileMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 127
	}
	return exitcode
}

func runCommand(in wrapper.Input) int {
	cmd := exec.Command(in.Executable, in.Arguments...)
	cmd.Env = os.Environ()
	for k, v := range in.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if in.Input != "" {
		cmd.Stdin = strings.NewReader(in.Input)
	}

	stdoutFile, err := os.OpenFile(in.Stdout, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, posixFileMode)
	if err != nil {
		writeStderrFailure(in, err)
		return 127
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(in.Stderr, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, posixFileMode)
	if err != nil {
		writeStderrFailure(in, err)
		return 127
	}
	defer stderrFile.Close()

	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		writeStderrFailure(in, err)
		return 127
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		writeStderrFailure(in, err)
		return 127
	}
	return 0
}

func writeStderrFailure(in wrapper.Input, cause error) {
	msg := locale.Format("Executable '{1}' failed to run: {2}", in.Executable, cause)
	_ = fsutil.AtomicWriteFile(in.Stderr, []byte(msg), posixFileMode)
}
