// Package processor is the request-lifecycle hub: it owns the loaded
// modules, validates and dispatches inbound requests, runs the
// blocking/non-blocking execution policy, serves the in-processor
// status/query action, and drives the spool and module-cache purge
// loops. It is the Connector's sole request callback target.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/connector"
	"github.com/puppetlabs/pxp-agent/internal/locale"
	"github.com/puppetlabs/pxp-agent/internal/logging"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/procutil"
	"github.com/puppetlabs/pxp-agent/internal/pxptime"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/resultsmutex"
	"github.com/puppetlabs/pxp-agent/internal/telemetry"
	"github.com/puppetlabs/pxp-agent/internal/threadcontainer"
	"go.opentelemetry.io/otel/trace"
)

const statusModule = "status"
const statusQueryAction = "query"

// detachedPollInterval is how often runWorker checks the spool directory
// for a detached non-blocking wrapper's completion marker.
const detachedPollInterval = 100 * time.Millisecond

// Cache is the subset of modulecache.Cache the spool purge loop needs
// from bolt-family modules, kept narrow so tests can stub it.
type Cache interface {
	PurgeCache(ttl string, ongoingTransactions map[string]bool, callback modulecache.PurgeCallback) (int, []error)
}

// Processor owns the loaded modules and all the machinery a request
// needs: results storage, the named-mutex registry, and the background
// worker container for non-blocking actions.
type Processor struct {
	modules map[string]module.Module
	configs map[string]json.RawMessage

	storage *resultsdir.Store
	mutexes *resultsmutex.Registry
	threads *threadcontainer.Container
	adaptor *connector.Adaptor

	purgeTTL string

	ongoingMu sync.Mutex
	ongoing   map[string]bool

	caches  []Cache
	metrics *telemetry.Metrics
}

// New returns a Processor dispatching to modules, persisting non-blocking
// output under storage, and sending responses through adaptor. purgeTTL
// is a pxptime duration string ("1h", "14d", ...) governing both the
// spool purge loop and any registered module caches.
func New(modules []module.Module, configs map[string]json.RawMessage, storage *resultsdir.Store, adaptor *connector.Adaptor, purgeTTL string) *Processor {
	p := &Processor{
		modules:  make(map[string]module.Module, len(modules)),
		configs:  configs,
		storage:  storage,
		mutexes:  resultsmutex.New(),
		threads:  threadcontainer.New("pxp-agent-actions"),
		adaptor:  adaptor,
		purgeTTL: purgeTTL,
		ongoing:  make(map[string]bool),
	}
	for _, m := range modules {
		p.modules[m.Name()] = m
	}
	return p
}

// RegisterCache adds a module cache the spool purge loop should also
// sweep (one per bolt-family module that downloads content).
func (p *Processor) RegisterCache(c Cache) {
	p.caches = append(p.caches, c)
}

// SetMetrics attaches a Metrics instance; dispatch and purge counts are
// recorded through it when set, and a no-op otherwise (tests need not
// set one).
func (p *Processor) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

// HasModule reports whether name is loaded.
func (p *Processor) HasModule(name string) bool {
	_, ok := p.modules[name]
	return ok
}

// HasModuleConfig reports whether static configuration was supplied for
// module name.
func (p *Processor) HasModuleConfig(name string) bool {
	_, ok := p.configs[name]
	return ok
}

// GetModuleConfig returns the static configuration for module name, or an
// error if none was supplied.
func (p *Processor) GetModuleConfig(name string) (json.RawMessage, error) {
	cfg, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("no configuration for module %s", name)
	}
	return cfg, nil
}

// requestData is the wire shape of an rpc_blocking_request /
// rpc_non_blocking_request envelope's data body.
type requestData struct {
	TransactionID string          `json:"transaction_id"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	NotifyOutcome *bool           `json:"notify_outcome"`
	Params        json.RawMessage `json:"params"`
}

// ProcessRequest is the Connector callback entry point. It builds an
// action.Request from env, validates it, and dispatches it to the
// blocking or non-blocking path (or the in-processor status/query
// handler), emitting a PXPError back to the sender on any failure along
// the way.
func (p *Processor) ProcessRequest(reqType action.RequestType, env connector.Envelope) {
	var data requestData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		p.sendParseError(env, locale.Format("could not parse request: {1}", err))
		return
	}
	if data.TransactionID == "" || data.Module == "" || data.Action == "" {
		p.sendParseError(env, "request is missing transaction_id, module, or action")
		return
	}

	notify := true
	if reqType == action.NonBlocking {
		if data.NotifyOutcome == nil {
			p.sendParseError(env, "non-blocking request is missing notify_outcome")
			return
		}
		notify = *data.NotifyOutcome
	}

	req := &action.Request{
		Type:          reqType,
		MessageID:     env.ID,
		Sender:        env.Sender,
		TransactionID: data.TransactionID,
		Module:        data.Module,
		Action:        data.Action,
		NotifyOutcome: notify,
		Params:        data.Params,
		Debug:         env.Debug,
	}

	if req.Module == statusModule && req.Action == statusQueryAction {
		p.handleStatusQuery(req)
		return
	}

	mod, err := p.validateRequestContent(req)
	if err != nil {
		p.logSendError(p.adaptor.SendPXPError(req, err.Error()))
		return
	}

	if reqType == action.Blocking {
		p.processBlocking(req, mod)
	} else {
		p.processNonBlocking(req, mod)
	}
}

func (p *Processor) sendParseError(env connector.Envelope, description string) {
	req := &action.Request{MessageID: env.ID, Sender: env.Sender}
	p.logSendError(p.adaptor.SendPXPError(req, description))
}

func (p *Processor) logSendError(err error) {
	if err != nil {
		logging.Op().Warn("failed to send response", "error", err)
	}
}

// validateRequestContent checks the module is loaded, the action exists
// on it, and params validate against the module's declared input schema.
func (p *Processor) validateRequestContent(req *action.Request) (module.Module, error) {
	mod, ok := p.modules[req.Module]
	if !ok {
		return nil, fmt.Errorf("unknown module %s", req.Module)
	}
	if !mod.HasAction(req.Action) {
		return nil, fmt.Errorf("module %s has no action %s", req.Module, req.Action)
	}
	if validator, ok := mod.(interface{ ValidateInput(*action.Request) error }); ok {
		if err := validator.ValidateInput(req); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

// processBlocking synchronously executes req and replies once.
func (p *Processor) processBlocking(req *action.Request, mod module.Module) {
	_, span := telemetry.StartActionSpan(context.Background(), req.TransactionID, req.Module, req.Action)
	resp := mod.ExecuteAction(req)
	p.fillMetadata(req, resp)
	p.recordDispatch(resp, span)
	p.logCompletion(req, resp)
	p.logSendError(p.adaptor.SendBlockingResponse(req, resp))
}

func (p *Processor) recordDispatch(resp *action.Response, span trace.Span) {
	if resp.Metadata.ResultsAreValid {
		telemetry.SetSpanOK(span)
	} else {
		telemetry.SetSpanError(span, fmt.Errorf("%s", resp.Metadata.ExecutionError))
	}
	span.End()
	if p.metrics != nil {
		p.metrics.RecordDispatch(resp.Metadata.Module, resp.Metadata.Action, string(resp.Metadata.Status))
	}
}

// processNonBlocking creates the spool entry, spawns the worker, and
// replies immediately with a provisional acknowledgement.
func (p *Processor) processNonBlocking(req *action.Request, mod module.Module) {
	if p.storage.Exists(req.TransactionID) {
		p.logSendError(p.adaptor.SendPXPError(req, locale.Format("duplicate transaction id {1}", req.TransactionID)))
		return
	}

	req.SetResultsDir(p.storage.Dir(req.TransactionID))

	initial := &action.Metadata{
		Module:        req.Module,
		Action:        req.Action,
		RequestID:     req.MessageID,
		TransactionID: req.TransactionID,
		RequestParams: req.Params,
		NotifyOutcome: req.NotifyOutcome,
		Start:         time.Now().UTC(),
		Status:        action.StatusRunning,
	}
	if err := p.storage.InitializeMetadata(req.TransactionID, initial); err != nil {
		p.logSendError(p.adaptor.SendPXPError(req, locale.Format("failed to initialize results directory: {1}", err)))
		return
	}
	if err := p.mutexes.Add(req.TransactionID); err != nil {
		p.logSendError(p.adaptor.SendPXPError(req, err.Error()))
		return
	}
	p.markOngoing(req.TransactionID, true)

	done := &atomic.Bool{}
	var wg sync.WaitGroup
	wg.Add(1)
	go p.runWorker(req, mod, done, &wg)
	p.threads.Add(done, &wg)
	if p.metrics != nil {
		p.metrics.RecordThreadAdded()
	}

	p.logSendError(p.adaptor.SendProvisional(req))
}

func (p *Processor) runWorker(req *action.Request, mod module.Module, done *atomic.Bool, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		done.Store(true)
		if p.metrics != nil {
			p.metrics.RecordThreadErased()
		}
	}()

	_, span := telemetry.StartActionSpan(context.Background(), req.TransactionID, req.Module, req.Action)
	resp := mod.ExecuteAction(req)
	p.fillMetadata(req, resp)

	// A bolt-family (or external/task) module's non-blocking path only
	// launches the detached wrapper and returns Running immediately; the
	// real outcome shows up later in the results directory.
	if resp.Metadata.Status == action.StatusRunning {
		resp.Metadata = *p.awaitDetachedCompletion(req.TransactionID, &resp.Metadata)
		resp.Output = outputFromResults(resp.Metadata.Results)
	}

	p.recordDispatch(resp, span)
	p.logCompletion(req, resp)

	mtx, err := p.mutexes.Get(req.TransactionID)
	if err == nil {
		mtx.Lock()
	}
	if err := p.storage.UpdateMetadata(req.TransactionID, &resp.Metadata); err != nil {
		logging.Op().Warn("failed to finalize metadata", "transaction_id", req.TransactionID, "error", err)
	}
	if mtx != nil {
		mtx.Unlock()
	}
	if rmErr := p.mutexes.Remove(req.TransactionID); rmErr != nil {
		logging.Op().Warn("failed to remove results mutex", "transaction_id", req.TransactionID, "error", rmErr)
	}
	p.markOngoing(req.TransactionID, false)

	if req.NotifyOutcome {
		p.logSendError(p.adaptor.SendNonBlockingResponse(req, resp))
	}
}

func (p *Processor) fillMetadata(req *action.Request, resp *action.Response) {
	resp.Metadata.Module = req.Module
	resp.Metadata.Action = req.Action
	resp.Metadata.RequestID = req.MessageID
	resp.Metadata.TransactionID = req.TransactionID
	resp.Metadata.RequestParams = req.Params
	resp.Metadata.NotifyOutcome = req.NotifyOutcome
	if resp.Metadata.Start.IsZero() {
		resp.Metadata.Start = time.Now().UTC()
	}
}

func (p *Processor) markOngoing(transactionID string, ongoing bool) {
	p.ongoingMu.Lock()
	defer p.ongoingMu.Unlock()
	if ongoing {
		p.ongoing[transactionID] = true
	} else {
		delete(p.ongoing, transactionID)
	}
}

func (p *Processor) ongoingSet() map[string]bool {
	p.ongoingMu.Lock()
	defer p.ongoingMu.Unlock()
	out := make(map[string]bool, len(p.ongoing))
	for k := range p.ongoing {
		out[k] = true
	}
	return out
}

type statusParams struct {
	TransactionID string `json:"transaction_id"`
}

// handleStatusQuery implements the status/query action directly, without
// routing through a module: it reads (and, if necessary, finalizes) the
// spool entry for the requested transaction id.
func (p *Processor) handleStatusQuery(req *action.Request) {
	var params statusParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TransactionID == "" {
		p.logSendError(p.adaptor.SendPXPError(req, "status/query requires a transaction_id parameter"))
		return
	}

	if !p.storage.Exists(params.TransactionID) {
		p.replyStatus(req, &action.Metadata{
			TransactionID: params.TransactionID,
			Status:        action.StatusUnknown,
		})
		return
	}

	var mtx *sync.Mutex
	if m, err := p.mutexes.Get(params.TransactionID); err == nil {
		mtx = m
	} else {
		mtx = &sync.Mutex{}
	}
	mtx.Lock()
	defer mtx.Unlock()

	metadata, err := p.storage.GetMetadata(params.TransactionID)
	if err != nil {
		p.logSendError(p.adaptor.SendPXPError(req, err.Error()))
		return
	}

	if metadata.Status == action.StatusRunning {
		switch {
		case p.storage.OutputReady(params.TransactionID):
			metadata = p.finalizeFromOutput(params.TransactionID, metadata)
		case p.storage.PIDExists(params.TransactionID):
			if pid, err := p.storage.GetPID(params.TransactionID); err == nil && !procutil.Exists(pid) {
				metadata = p.finalizeUndetermined(params.TransactionID, metadata)
			}
		}
	}

	p.replyStatus(req, metadata)
}

func (p *Processor) finalizeFromOutput(transactionID string, metadata *action.Metadata) *action.Metadata {
	output, err := p.storage.GetOutput(transactionID)
	if err != nil {
		logging.Op().Warn("failed to read completed output", "transaction_id", transactionID, "error", err)
		return metadata
	}
	if output.ExitCode == 0 {
		metadata.Status = action.StatusSuccess
		metadata.ResultsAreValid = true
	} else {
		metadata.Status = action.StatusFailure
		metadata.ResultsAreValid = false
		metadata.ExecutionError = locale.Format("action exited with code {1}: {2}", output.ExitCode, output.Stderr)
	}
	now := time.Now().UTC()
	metadata.End = &now
	results, _ := json.Marshal(output)
	metadata.Results = results
	if err := p.storage.UpdateMetadata(transactionID, metadata); err != nil {
		logging.Op().Warn("failed to persist finalized status", "transaction_id", transactionID, "error", err)
	}
	return metadata
}

// awaitDetachedCompletion polls the spool directory until the detached
// wrapper has recorded an exit code (or its process has vanished without
// one), then finalizes and persists metadata accordingly. It holds the
// transaction's results mutex only around each check, so a concurrent
// status query never observes a half-written finalization.
func (p *Processor) awaitDetachedCompletion(transactionID string, metadata *action.Metadata) *action.Metadata {
	ticker := time.NewTicker(detachedPollInterval)
	defer ticker.Stop()

	for {
		if final, ok := p.tryFinalizeDetached(transactionID, metadata); ok {
			return final
		}
		<-ticker.C
	}
}

func (p *Processor) tryFinalizeDetached(transactionID string, metadata *action.Metadata) (*action.Metadata, bool) {
	mtx, err := p.mutexes.Get(transactionID)
	if err == nil {
		mtx.Lock()
		defer mtx.Unlock()
	}

	switch {
	case p.storage.OutputReady(transactionID):
		return p.finalizeFromOutput(transactionID, metadata), true
	case p.storage.PIDExists(transactionID):
		if pid, err := p.storage.GetPID(transactionID); err == nil && !procutil.Exists(pid) {
			return p.finalizeUndetermined(transactionID, metadata), true
		}
	}
	return metadata, false
}

// outputFromResults recovers the action.Output embedded in a finalized
// response's results, for logging and metrics; it is not present on
// responses that never went through the detached-wrapper path.
func outputFromResults(results json.RawMessage) action.Output {
	var out action.Output
	if len(results) == 0 {
		return out
	}
	_ = json.Unmarshal(results, &out)
	return out
}

func (p *Processor) logCompletion(req *action.Request, resp *action.Response) {
	var durationMs int64
	if resp.Metadata.End != nil {
		durationMs = resp.Metadata.End.Sub(resp.Metadata.Start).Milliseconds()
	}
	logging.DefaultRequestLogger().Log(&logging.RequestLog{
		TransactionID: req.TransactionID,
		Module:        req.Module,
		Action:        req.Action,
		Status:        string(resp.Metadata.Status),
		DurationMs:    durationMs,
		ExitCode:      resp.Output.ExitCode,
		Error:         resp.Metadata.ExecutionError,
	})
}

func (p *Processor) finalizeUndetermined(transactionID string, metadata *action.Metadata) *action.Metadata {
	metadata.Status = action.StatusUndetermined
	metadata.ResultsAreValid = false
	metadata.ExecutionError = "process no longer exists and produced no exit code; outcome cannot be determined"
	now := time.Now().UTC()
	metadata.End = &now
	if err := p.storage.UpdateMetadata(transactionID, metadata); err != nil {
		logging.Op().Warn("failed to persist undetermined status", "transaction_id", transactionID, "error", err)
	}
	return metadata
}

func (p *Processor) replyStatus(req *action.Request, metadata *action.Metadata) {
	p.logSendError(p.adaptor.SendStatusOutput(req, metadata))
}

// RunPurgeLoop drives the spool-directory and module-cache purge sweeps
// every min(1h, ttl) until ctx is cancelled. It is meant to run on its
// own goroutine for the lifetime of the agent.
func (p *Processor) RunPurgeLoop(ctx context.Context) {
	interval := time.Hour
	if minutes, err := pxptime.GetMinutes(p.purgeTTL); err == nil {
		if d := time.Duration(minutes) * time.Minute; d < interval {
			interval = d
		}
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeSpool()
			p.purgeCaches()
		}
	}
}

func (p *Processor) purgeSpool() {
	cutoff, err := pxptime.New(p.purgeTTL)
	if err != nil {
		logging.Op().Warn("invalid spool purge ttl", "ttl", p.purgeTTL, "error", err)
		return
	}
	entries, err := os.ReadDir(p.storage.Root())
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Op().Warn("failed to list spool directory", "error", err)
		}
		return
	}
	ongoing := p.ongoingSet()
	purged := 0
	for _, entry := range entries {
		if !entry.IsDir() || ongoing[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if cutoff.IsNewerThanTime(info.ModTime()) {
			if err := os.RemoveAll(filepath.Join(p.storage.Root(), entry.Name())); err != nil {
				logging.Op().Warn("failed to purge spool entry", "transaction_id", entry.Name(), "error", err)
				continue
			}
			purged++
		}
	}
	if purged > 0 {
		logging.Op().Info("purged spool directories", "count", purged)
	}
	if p.metrics != nil {
		p.metrics.RecordSpoolPurge(purged)
	}
}

func (p *Processor) purgeCaches() {
	ongoing := p.ongoingSet()
	for _, cache := range p.caches {
		count, errs := cache.PurgeCache(p.purgeTTL, ongoing, func(dir string) error {
			return os.RemoveAll(dir)
		})
		for _, err := range errs {
			logging.Op().Warn("module cache purge error", "error", err)
		}
		if count > 0 {
			logging.Op().Info("purged module cache entries", "count", count)
		}
		if p.metrics != nil {
			p.metrics.RecordCachePurge(count)
		}
	}
}

// Close stops the thread container, joining every in-flight worker.
func (p *Processor) Close() {
	p.threads.Close()
}
