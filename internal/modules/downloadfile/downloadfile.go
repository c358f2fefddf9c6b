// Package downloadfile implements the "download_file" built-in module:
// unlike script/apply/task it never invokes an executable, it only
// fetches one or more files from the master, in order. It reports one
// outcome for the whole request: success once every file is in place, or
// failure at the first file that cannot be fetched (later files are not
// attempted).
package downloadfile

import (
	"context"
	"net/http"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/schema"
)

const actionName = "download"

var inputSchemaDoc = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"file": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"filename":    map[string]interface{}{"type": "string"},
					"destination": map[string]interface{}{"type": "string"},
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
				"required": []string{"filename", "destination", "uri", "sha256"},
			},
		},
	},
}

// Module is the download_file built-in.
type Module struct {
	module.Base
	MasterURIs []string
	Cache      *modulecache.Cache
	HTTPClient modulecache.HTTPClient
}

// New builds the download_file module.
func New(masterURIs []string, cache *modulecache.Cache) *Module {
	input, err := schema.Compile("download-file-input", inputSchemaDoc)
	if err != nil {
		panic(err)
	}
	return &Module{
		Base: module.Base{
			ModuleName: "download_file",
			ModuleKind: action.Internal,
			ActionList: []string{actionName},
			ActionSpecs: map[string]module.ActionSchemas{
				actionName: {Name: actionName, Input: input, Results: schema.Empty()},
			},
		},
		MasterURIs: masterURIs,
		Cache:      cache,
		HTTPClient: http.DefaultClient,
	}
}

// ExecuteAction runs the download action. It bypasses Base.Execute's
// schema-revalidation of a successful response since there are no
// meaningful results beyond success/failure, matching
// DownloadFile::callAction overriding the base BoltModule callAction.
func (m *Module) ExecuteAction(req *action.Request) *action.Response {
	resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}

	if err := m.ValidateInput(req); err != nil {
		resp.SetBadResults(locale.Format("{1}", err))
		return resp
	}
	params, err := req.ParamsObject()
	if err != nil {
		resp.SetBadResults(locale.Format("{1}", err))
		return resp
	}

	files, _ := params["file"].([]interface{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, rawFile := range files {
		file, _ := rawFile.(map[string]interface{})
		destination, _ := file["destination"].(string)
		filename, _ := file["filename"].(string)
		sha256Hex, _ := file["sha256"].(string)
		uriSpec, _ := file["uri"].(map[string]interface{})
		uriPath, _ := uriSpec["path"].(string)

		if _, err := m.Cache.CreateCacheDir(sha256Hex); err != nil {
			resp.SetBadResults(locale.Format("Failed to download {1}; {2}", destination, err))
			return resp
		}
		if err := m.Cache.DownloadFileFromMaster(ctx, m.MasterURIs, m.HTTPClient, modulecache.URISpec{Path: uriPath, Filename: filename}, destination, sha256Hex); err != nil {
			resp.SetBadResults(locale.Format("Failed to download {1}; {2}", destination, err))
			return resp
		}
	}

	if err := resp.SetValidResults(map[string]interface{}{}); err != nil {
		resp.SetBadResults(err.Error())
	}
	return resp
}
