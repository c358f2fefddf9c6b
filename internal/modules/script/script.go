// Package script implements the "script" built-in module: it downloads
// an arbitrary script file from the master (caching it by sha256),
// chooses an interpreter from its extension when one applies, and runs
// it with the caller-supplied arguments through the shared bolt base.
package script

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/modules/bolt"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "run"

var inputSchemaDoc = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"script": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filename": map[string]interface{}{"type": "string"},
				"uri": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"path":   map[string]interface{}{"type": "string"},
						"params": map[string]interface{}{"type": "object"},
					},
					"required": []string{"path", "params"},
				},
				"sha256": map[string]interface{}{"type": "string"},
			},
			"required": []string{"filename", "uri", "sha256"},
		},
		"arguments": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
	"required": []string{"script", "arguments"},
}

// Module is the script built-in.
type Module struct {
	bolt.Base
	MasterURIs []string
	HTTPClient modulecache.HTTPClient
}

// New builds the script module, given the prefix directory holding the
// pxp-agent-wrapper binary, the candidate master URIs scripts may be
// downloaded from, and the shared results/cache stores.
func New(execPrefix string, masterURIs []string, cache *modulecache.Cache, storage *resultsdir.Store) *Module {
	input, err := schema.Compile("script-input", inputSchemaDoc)
	if err != nil {
		panic(err)
	}
	m := &Module{
		Base: bolt.Base{
			Base: module.Base{
				ModuleName: "script",
				ModuleKind: action.External,
				ActionList: []string{actionName},
				ActionSpecs: map[string]module.ActionSchemas{
					actionName: {Name: actionName, Input: input, Results: schema.Empty()},
				},
				Async: true,
			},
			ExecPrefix: execPrefix,
			Storage:    storage,
			Cache:      cache,
		},
		MasterURIs: masterURIs,
		HTTPClient: http.DefaultClient,
	}
	return m
}

// ExecuteAction runs the run action.
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

	scriptSpec, _ := params["script"].(map[string]interface{})
	sha256Hex, _ := scriptSpec["sha256"].(string)
	filename, _ := scriptSpec["filename"].(string)
	uriSpec, _ := scriptSpec["uri"].(map[string]interface{})
	uriPath, _ := uriSpec["path"].(string)

	var arguments []string
	if rawArgs, ok := params["arguments"].([]interface{}); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				arguments = append(arguments, s)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	scriptFile, err := m.Cache.GetCachedFile(ctx, m.MasterURIs, m.HTTPClient, sha256Hex, modulecache.URISpec{Path: uriPath, Filename: filename})
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	if err := os.Chmod(scriptFile, 0750); err != nil {
		return nil, module.NewProcessingError("failed to set executable permission on %s: %s", scriptFile, err)
	}

	cmd := bolt.CommandObject{Arguments: arguments}
	bolt.FindExecutableAndArguments(scriptFile, &cmd)

	return m.InvokeCommand(req, cmd), nil
}
