// Package action defines the wire-adjacent data model shared by the
// module contract and the request processor: the parsed request, the
// output of running it, and the structured response that is eventually
// serialized onto the Connector.
package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestType distinguishes blocking from non-blocking requests.
type RequestType string

const (
	Blocking    RequestType = "blocking"
	NonBlocking RequestType = "non_blocking"
)

// ModuleType distinguishes internal (in-process) modules from external
// (executable-backed) ones.
type ModuleType string

const (
	Internal ModuleType = "internal"
	External ModuleType = "external"
)

// Status is the lifecycle status of an action, recorded in metadata and
// reported by status queries.
type Status string

const (
	StatusUnknown      Status = "Unknown"
	StatusRunning      Status = "Running"
	StatusSuccess      Status = "Success"
	StatusFailure      Status = "Failure"
	StatusUndetermined Status = "Undetermined"
)

// ResponseType is the wire-shape a response is ultimately serialized as.
type ResponseType string

const (
	ResponseBlocking     ResponseType = "blocking"
	ResponseNonBlocking  ResponseType = "non_blocking"
	ResponseStatusOutput ResponseType = "status_output"
	ResponseRPCError     ResponseType = "rpc_error"
)

// DebugChunk is an opaque hop-tracking entry preserved verbatim from the
// incoming envelope and echoed back by the ping module.
type DebugChunk = json.RawMessage

// Request is an immutable view of an incoming request after envelope
// parsing. ResultsDir is the one mutable field: the processor fills it in
// once it has decided where a non-blocking action's output will live.
type Request struct {
	Type          RequestType
	MessageID     string
	Sender        string
	TransactionID string
	Module        string
	Action        string
	NotifyOutcome bool
	Params        json.RawMessage
	Debug         []DebugChunk

	resultsDir string
}

// ResultsDir returns the spool directory assigned to this request, or ""
// if none has been assigned (blocking requests never get one).
func (r *Request) ResultsDir() string { return r.resultsDir }

// SetResultsDir assigns the spool directory for a non-blocking request.
// Only the processor should call this, exactly once.
func (r *Request) SetResultsDir(dir string) { r.resultsDir = dir }

// PrettyLabel renders a short, log-friendly description of the request,
// computed lazily rather than stored since it is only needed on error
// and trace paths.
func (r *Request) PrettyLabel() string {
	return fmt.Sprintf("%s/%s request %s by %s", r.Module, r.Action, r.TransactionID, r.Sender)
}

// ParamsObject unmarshals Params into a JSON object, defaulting to an
// empty object when Params is absent.
func (r *Request) ParamsObject() (map[string]interface{}, error) {
	if len(r.Params) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(r.Params, &out); err != nil {
		return nil, fmt.Errorf("params is not a JSON object: %w", err)
	}
	return out, nil
}

// Output is the raw result of running a child process or external module.
type Output struct {
	ExitCode int    `json:"exitcode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Metadata is the durable, schema-governed record of an action's progress,
// the JSON object written to the spool directory's "metadata" file and
// read back by status queries.
type Metadata struct {
	Module          string          `json:"module"`
	Action          string          `json:"action"`
	RequestID       string          `json:"request_id"`
	TransactionID   string          `json:"transaction_id"`
	RequestParams   json.RawMessage `json:"request_params,omitempty"`
	NotifyOutcome   bool            `json:"notify_outcome"`
	Start           time.Time       `json:"start"`
	Status          Status          `json:"status"`
	ResultsAreValid bool            `json:"results_are_valid"`
	End             *time.Time      `json:"end,omitempty"`
	ExecutionError  string          `json:"execution_error,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
}

// Valid checks that the metadata satisfies the base schema required of
// every action, regardless of which wire response it will eventually back.
func (m *Metadata) Valid() error {
	if m.Module == "" || m.Action == "" || m.TransactionID == "" {
		return fmt.Errorf("action_metadata missing module/action/transaction_id")
	}
	if m.Status == "" {
		return fmt.Errorf("action_metadata missing status")
	}
	return nil
}

// ValidFor additionally requires the fields needed to serialize the given
// response type.
func (m *Metadata) ValidFor(rt ResponseType) error {
	if err := m.Valid(); err != nil {
		return err
	}
	switch rt {
	case ResponseBlocking:
		if m.Results == nil && m.ExecutionError == "" {
			return fmt.Errorf("blocking response requires results or execution_error")
		}
	case ResponseNonBlocking:
		if m.JobID == "" {
			return fmt.Errorf("non-blocking response requires job_id")
		}
	}
	return nil
}

// Response owns the full result of dispatching a request to a module:
// which kind of module produced it, the request type it answers, the raw
// process output, and the structured metadata that will be projected onto
// the wire.
type Response struct {
	ModuleType  ModuleType
	RequestType RequestType
	Output      Output
	Metadata    Metadata
}

// SetValidResults marks the response as successfully completed with the
// given results payload.
func (r *Response) SetValidResults(results interface{}) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	r.Metadata.Results = raw
	r.Metadata.ResultsAreValid = true
	r.Metadata.Status = StatusSuccess
	now := time.Now().UTC()
	r.Metadata.End = &now
	return nil
}

// SetBadResults marks the response as failed, recording a localized
// execution_error and flipping results_are_valid off.
func (r *Response) SetBadResults(executionError string) {
	r.Metadata.ResultsAreValid = false
	r.Metadata.ExecutionError = executionError
	r.Metadata.Status = StatusFailure
	now := time.Now().UTC()
	r.Metadata.End = &now
}
