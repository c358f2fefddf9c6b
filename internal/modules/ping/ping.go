// Package ping implements the "ping" built-in module: it echoes back the
// debug hop chain carried on the request, letting an operator measure
// hop-by-hop latency through the broker.
package ping

import (
	"encoding/json"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "ping"

// Module is the ping built-in.
type Module struct {
	module.Base
}

// New builds the ping module.
func New() *Module {
	input, err := schema.Compile("ping-input", map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"sender_timestamp": map[string]interface{}{"type": "string"}},
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

// ExecuteAction runs the ping action.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	return m.Execute(req, m.callAction)
}

func (m *Module) callAction(req *action.Request) (*action.Response, error) {
	if len(req.Debug) == 0 {
		return nil, module.NewProcessingError("%s", locale.Format("no debug entry"))
	}

	var debugEntry struct {
		Hops []json.RawMessage `json:"hops"`
	}
	if err := json.Unmarshal(req.Debug[0], &debugEntry); err != nil {
		return nil, module.NewProcessingError("%s", locale.Format("debug entry is not valid JSON"))
	}

	resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}
	if err := resp.SetValidResults(map[string]interface{}{"request_hops": debugEntry.Hops}); err != nil {
		return nil, err
	}
	return resp, nil
}
