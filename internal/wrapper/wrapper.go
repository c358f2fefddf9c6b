// Package wrapper defines the stdin JSON contract between a caller that
// runs a command non-blocking (the bolt and external modules) and the
// detached pxp-agent-wrapper helper binary, plus the _error envelope
// pxp-agent-task-wrapper writes. The caller marshals an Input value to
// pxp-agent-wrapper's stdin; the wrapper redirects the named executable's
// stdio to the given files and atomically records its exit code.
package wrapper

// Input is the JSON document piped to the wrapper's stdin.
type Input struct {
	Executable  string            `json:"executable"`
	Arguments   []string          `json:"arguments"`
	Input       string            `json:"input"`
	Stdout      string            `json:"stdout"`
	Stderr      string            `json:"stderr"`
	Exitcode    string            `json:"exitcode"`
	Environment map[string]string `json:"environment,omitempty"`
}

// TaskError is the shape task_wrapper writes to the stdout file named in
// its request when the task cannot be resolved or run, or its output is
// not valid UTF-8 (a task that runs and fails is reported via the
// exitcode file instead).
type TaskError struct {
	Error TaskErrorDetail `json:"_error"`
}

// TaskErrorDetail carries the kind/msg pair task_wrapper and the task
// runner use to classify a startup failure.
type TaskErrorDetail struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

// TaskOutput is the shape task_wrapper writes to the stdout file named
// in its request on success, wrapping whatever the task itself produced.
type TaskOutput struct {
	Output string `json:"output"`
}
