// Package module defines the contract every dispatch target (built-in or
// external) must satisfy, plus the shared ExecuteAction wrapper that
// enforces output-schema validation uniformly across all of them.
package module

import (
	"fmt"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

// ProcessingError is a recoverable failure raised while serving a
// request; the caller turns it into a Failure response rather than
// propagating it.
type ProcessingError struct {
	msg string
}

func (e *ProcessingError) Error() string { return e.msg }

// NewProcessingError builds a ProcessingError from a format string.
func NewProcessingError(format string, args ...interface{}) error {
	return &ProcessingError{msg: fmt.Sprintf(format, args...)}
}

// ActionSchemas holds the compiled input/results schemas for one action.
type ActionSchemas struct {
	Name    string
	Input   *schema.Schema
	Results *schema.Schema
}

// Module is the capability contract the request processor dispatches
// against. Internal modules and the external-module loader both produce
// values satisfying this interface.
type Module interface {
	Name() string
	Actions() []string
	Type() action.ModuleType
	SupportsAsync() bool
	HasAction(name string) bool

	// ExecuteAction runs req and returns a fully-populated, schema-checked
	// response. Implementations should embed Base and call
	// Base.Execute(req, callAction) to get schema validation for free.
	ExecuteAction(req *action.Request) *action.Response
}

// Base provides the shared ExecuteAction wrapper: call callAction, then
// validate its results against the action's declared results schema
// (unless the response already marked itself invalid), converting a
// schema mismatch into a Failure response.
type Base struct {
	ModuleName  string
	ModuleKind  action.ModuleType
	ActionList  []string
	ActionSpecs map[string]ActionSchemas
	Async       bool
}

func (b *Base) Name() string              { return b.ModuleName }
func (b *Base) Actions() []string         { return b.ActionList }
func (b *Base) Type() action.ModuleType   { return b.ModuleKind }
func (b *Base) SupportsAsync() bool       { return b.Async }
func (b *Base) HasAction(name string) bool {
	for _, a := range b.ActionList {
		if a == name {
			return true
		}
	}
	return false
}

// ValidateInput validates req.Params against the declared input schema
// for req.Action.
func (b *Base) ValidateInput(req *action.Request) error {
	spec, ok := b.ActionSpecs[req.Action]
	if !ok {
		return fmt.Errorf("unknown action %s on module %s", req.Action, b.ModuleName)
	}
	if spec.Input == nil {
		return nil
	}
	if err := spec.Input.Validate(req.Params); err != nil {
		return fmt.Errorf("input for %s/%s failed schema validation: %w", b.ModuleName, req.Action, err)
	}
	return nil
}

// Execute runs callAction and enforces results-schema validation on its
// way out. callAction marks success itself by calling resp.SetValidResults
// and failure by calling resp.SetBadResults or returning an error (which
// Execute turns into a Failure response); Execute never marks results
// valid, it only intervenes to downgrade an apparently-successful
// response whose results don't match the schema.
func (b *Base) Execute(req *action.Request, callAction func(*action.Request) (*action.Response, error)) *action.Response {
	resp, err := callAction(req)
	if err != nil {
		if resp == nil {
			resp = &action.Response{ModuleType: b.ModuleKind, RequestType: req.Type}
		}
		var perr *ProcessingError
		if asProcessingError(err, &perr) {
			resp.SetBadResults(perr.Error())
		} else {
			resp.SetBadResults(locale.Format("internal error running {1}/{2}: {3}", b.ModuleName, req.Action, err))
		}
		return resp
	}

	if resp.Metadata.ResultsAreValid {
		if spec, ok := b.ActionSpecs[req.Action]; ok && spec.Results != nil {
			if verr := spec.Results.Validate(resp.Metadata.Results); verr != nil {
				msg := badOutputMessage(resp.ModuleType, b.ModuleName, req.Action, verr)
				resp.SetBadResults(msg)
			}
		}
	}
	return resp
}

func badOutputMessage(mt action.ModuleType, moduleName, actionName string, verr error) string {
	if mt == action.External {
		return locale.Format("the task executed for the {1}/{2} action returned output that does not match its declared results schema: {3}", moduleName, actionName, verr)
	}
	return locale.Format("invalid internal output for {1}/{2}: {3}", moduleName, actionName, verr)
}

func asProcessingError(err error, target **ProcessingError) bool {
	if pe, ok := err.(*ProcessingError); ok {
		*target = pe
		return true
	}
	return false
}
