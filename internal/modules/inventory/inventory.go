// Package inventory implements a "facts"-style internal module. Rather
// than shelling out to facter, it reports a handful of facts about the
// Go runtime the agent is executing in, enough to exercise the same
// wire shape without an external fact-gathering dependency.
package inventory

import (
	"os"
	"runtime"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "inventory"

// Module is the inventory built-in.
type Module struct {
	module.Base
}

// New builds the inventory module.
func New() *Module {
	return &Module{
		Base: module.Base{
			ModuleName: "inventory",
			ModuleKind: action.Internal,
			ActionList: []string{actionName},
			ActionSpecs: map[string]module.ActionSchemas{
				actionName: {Name: actionName, Input: schema.Empty(), Results: schema.Empty()},
			},
		},
	}
}

// ExecuteAction runs the inventory action.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	return m.Execute(req, m.callAction)
}

func (m *Module) callAction(req *action.Request) (*action.Response, error) {
	hostname, _ := os.Hostname()
	facts := map[string]interface{}{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"hostname": hostname,
		"pid":      os.Getpid(),
	}
	resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}
	if err := resp.SetValidResults(facts); err != nil {
		return nil, err
	}
	return resp, nil
}
