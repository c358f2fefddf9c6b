// Package apply implements the "apply" built-in module: it shells out to
// a ruby shim (shipped alongside pxp-agent) that in turn applies a
// compiled catalog, or preps an environment for one. Both actions pass
// their JSON parameters to the shim over stdin.
package apply

import (
	"encoding/json"
	"path/filepath"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/modules/bolt"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const (
	applyAction = "apply"
	prepAction  = "prep"

	rubyShimName = "apply_ruby_shim.rb"
)

var applyInputSchemaDoc = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"catalog":       map[string]interface{}{"type": "object"},
		"apply_options": map[string]interface{}{"type": "object"},
	},
	"required": []string{"catalog", "apply_options"},
}

var prepInputSchemaDoc = map[string]interface{}{
	"type":       "object",
	"properties": map[string]interface{}{"environment": map[string]interface{}{"type": "string"}},
	"required":   []string{"environment"},
}

// TLSConfig carries the client certificate material the shim needs to
// fetch plugins and facts back from the master.
type TLSConfig struct {
	CA, Cert, Key, CRL, Proxy string
}

// Module is the apply built-in.
type Module struct {
	bolt.Base
	MasterURIs  []string
	TLS         TLSConfig
	LibexecPath string
}

// New builds the apply module.
func New(execPrefix, libexecPath string, masterURIs []string, tls TLSConfig, cache *modulecache.Cache, storage *resultsdir.Store) *Module {
	applyInput, err := schema.Compile("apply-input", applyInputSchemaDoc)
	if err != nil {
		panic(err)
	}
	prepInput, err := schema.Compile("prep-input", prepInputSchemaDoc)
	if err != nil {
		panic(err)
	}
	return &Module{
		Base: bolt.Base{
			Base: module.Base{
				ModuleName: "apply",
				ModuleKind: action.External,
				ActionList: []string{applyAction, prepAction},
				ActionSpecs: map[string]module.ActionSchemas{
					applyAction: {Name: applyAction, Input: applyInput, Results: schema.Empty()},
					prepAction:  {Name: prepAction, Input: prepInput, Results: schema.Empty()},
				},
				Async: true,
			},
			ExecPrefix: execPrefix,
			Storage:    storage,
			Cache:      cache,
		},
		MasterURIs:  masterURIs,
		TLS:         tls,
		LibexecPath: libexecPath,
	}
}

// ExecuteAction runs the apply or prep action.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	return m.Execute(req, m.callAction)
}

func (m *Module) callAction(req *action.Request) (*action.Response, error) {
	if m.TLS.CRL == "" {
		return nil, module.NewProcessingError("ssl-crl setting is required for apply")
	}
	if err := m.ValidateInput(req); err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	params, err := req.ParamsObject()
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}

	params["ca"] = m.TLS.CA
	params["crt"] = m.TLS.Cert
	params["key"] = m.TLS.Key
	params["crl"] = m.TLS.CRL
	params["proxy"] = m.TLS.Proxy
	params["master_uris"] = m.MasterURIs

	var pluginCacheName string
	if req.Action == applyAction {
		catalog, _ := params["catalog"].(map[string]interface{})
		environment, _ := catalog["environment"].(string)
		pluginCacheName = environment
		params["environment"] = environment
		params["action"] = applyAction
	} else {
		environment, _ := params["environment"].(string)
		pluginCacheName = environment
		params["action"] = prepAction
	}

	pluginCache, err := m.Cache.CreateCacheDir(pluginCacheName)
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}
	params["plugin_cache"] = pluginCache

	stdin, err := json.Marshal(params)
	if err != nil {
		return nil, module.NewProcessingError("%s", err)
	}

	shimPath := filepath.Join(m.LibexecPath, rubyShimName)
	cmd := bolt.CommandObject{Input: string(stdin)}
	bolt.FindExecutableAndArguments(shimPath, &cmd)

	return m.InvokeCommand(req, cmd), nil
}
