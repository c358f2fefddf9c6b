// Package echo implements the "echo" built-in module: it returns the
// caller-supplied argument verbatim, used mostly to exercise the request
// lifecycle end to end.
package echo

import (
	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "echo"

// Module is the echo built-in.
type Module struct {
	module.Base
}

// New builds the echo module with its input/results schemas registered.
func New() *Module {
	input, err := schema.Compile("echo-input", map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{"argument": map[string]interface{}{"type": "string"}},
		"required":             []string{"argument"},
		"additionalProperties": true,
	})
	if err != nil {
		panic(err)
	}
	return &Module{
		Base: module.Base{
			ModuleName: actionName,
			ModuleKind: action.Internal,
			ActionList: []string{actionName},
			ActionSpecs: map[string]module.ActionSchemas{
				actionName: {Name: actionName, Input: input, Results: schema.Empty()},
			},
		},
	}
}

// ExecuteAction runs the echo action.
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
	argument, _ := params["argument"].(string)

	resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}
	if err := resp.SetValidResults(map[string]string{"outcome": argument}); err != nil {
		return nil, err
	}
	return resp, nil
}
