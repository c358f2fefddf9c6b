package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/connector"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
)

// fakeConn is a connector.Connector stub that records every envelope sent
// through it, delivered over a channel so async tests can block on arrival.
type fakeConn struct {
	sent chan connector.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan connector.Envelope, 16)}
}

func (f *fakeConn) ConnectAndMonitor(ctx context.Context) error { return nil }
func (f *fakeConn) Send(env connector.Envelope) error           { f.sent <- env; return nil }
func (f *fakeConn) RegisterBlockingRequestCallback(cb connector.RequestCallback)    {}
func (f *fakeConn) RegisterNonBlockingRequestCallback(cb connector.RequestCallback) {}

func (f *fakeConn) awaitByType(t *testing.T, messageType string) connector.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.sent:
			if env.MessageType == messageType {
				return env
			}
		case <-deadline:
			t.Fatalf("no envelope of type %s arrived in time", messageType)
		}
	}
}

// stubModule is a minimal module.Module used to exercise the processor
// without pulling in a real built-in.
type stubModule struct {
	name    string
	actions []string
	async   bool
	run     func(*action.Request) *action.Response
}

func (m *stubModule) Name() string            { return m.name }
func (m *stubModule) Actions() []string       { return m.actions }
func (m *stubModule) Type() action.ModuleType { return action.Internal }
func (m *stubModule) SupportsAsync() bool     { return m.async }
func (m *stubModule) HasAction(name string) bool {
	for _, a := range m.actions {
		if a == name {
			return true
		}
	}
	return false
}
func (m *stubModule) ExecuteAction(req *action.Request) *action.Response {
	return m.run(req)
}

func echoModule() *stubModule {
	return &stubModule{
		name:    "echo",
		actions: []string{"echo"},
		async:   true,
		run: func(req *action.Request) *action.Response {
			resp := &action.Response{ModuleType: action.Internal, RequestType: req.Type}
			if err := resp.SetValidResults(map[string]string{"echo": string(req.Params)}); err != nil {
				resp.SetBadResults(err.Error())
			}
			return resp
		},
	}
}

func blockingRequestEnvelope(module, act, transactionID string, params json.RawMessage) connector.Envelope {
	data, _ := json.Marshal(map[string]interface{}{
		"transaction_id": transactionID,
		"module":         module,
		"action":         act,
		"params":         params,
	})
	return connector.Envelope{ID: "env-1", Sender: "pcp://controller", MessageType: connector.TypeBlockingRequest, Data: data}
}

func nonBlockingRequestEnvelope(module, act, transactionID string, notify bool, params json.RawMessage) connector.Envelope {
	data, _ := json.Marshal(map[string]interface{}{
		"transaction_id": transactionID,
		"module":         module,
		"action":         act,
		"notify_outcome": notify,
		"params":         params,
	})
	return connector.Envelope{ID: "env-2", Sender: "pcp://controller", MessageType: connector.TypeNonBlockingRequest, Data: data}
}

func newTestProcessor(t *testing.T, mods ...*stubModule) (*Processor, *fakeConn, *resultsdir.Store) {
	t.Helper()
	storage := resultsdir.New(t.TempDir())
	conn := newFakeConn()
	adaptor := connector.NewAdaptor(conn, "pxp-agent", time.Minute)

	modList := make([]module.Module, 0, len(mods))
	for _, m := range mods {
		modList = append(modList, m)
	}
	p := New(modList, map[string]json.RawMessage{}, storage, adaptor, "1h")
	return p, conn, storage
}

func TestProcessRequestBlockingSuccess(t *testing.T) {
	p, conn, _ := newTestProcessor(t, echoModule())

	params, _ := json.Marshal(map[string]string{"message": "hi"})
	env := blockingRequestEnvelope("echo", "echo", "txn-1", params)

	p.ProcessRequest(action.Blocking, env)

	resp := conn.awaitByType(t, connector.TypeBlockingResponse)
	var data struct {
		TransactionID string          `json:"transaction_id"`
		Results       json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.TransactionID != "txn-1" {
		t.Errorf("transaction_id = %s, want txn-1", data.TransactionID)
	}
}

func TestProcessRequestUnknownModule(t *testing.T) {
	p, conn, _ := newTestProcessor(t)

	env := blockingRequestEnvelope("nosuchmodule", "run", "txn-2", nil)
	p.ProcessRequest(action.Blocking, env)

	errEnv := conn.awaitByType(t, connector.TypeErrorMessage)
	var data struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(errEnv.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Description == "" {
		t.Error("expected a non-empty error description")
	}
}

func TestProcessRequestMissingFields(t *testing.T) {
	p, conn, _ := newTestProcessor(t, echoModule())

	env := connector.Envelope{ID: "env-3", Sender: "pcp://controller", Data: json.RawMessage(`{"module":"echo"}`)}
	p.ProcessRequest(action.Blocking, env)

	conn.awaitByType(t, connector.TypeErrorMessage)
}

func TestProcessRequestNonBlockingMissingNotifyOutcome(t *testing.T) {
	p, conn, _ := newTestProcessor(t, echoModule())

	data, _ := json.Marshal(map[string]interface{}{
		"transaction_id": "txn-4",
		"module":         "echo",
		"action":         "echo",
	})
	env := connector.Envelope{ID: "env-4", Sender: "pcp://controller", Data: data}
	p.ProcessRequest(action.NonBlocking, env)

	conn.awaitByType(t, connector.TypeErrorMessage)
}

func TestProcessRequestNonBlockingDuplicateTransaction(t *testing.T) {
	p, conn, storage := newTestProcessor(t, echoModule())

	if err := storage.InitializeMetadata("txn-5", &action.Metadata{
		Module: "echo", Action: "echo", TransactionID: "txn-5", Status: action.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	env := nonBlockingRequestEnvelope("echo", "echo", "txn-5", true, nil)
	p.ProcessRequest(action.NonBlocking, env)

	errEnv := conn.awaitByType(t, connector.TypeErrorMessage)
	var data struct {
		Description string `json:"description"`
	}
	json.Unmarshal(errEnv.Data, &data)
	if data.Description == "" {
		t.Error("expected duplicate transaction error description")
	}
}

func TestProcessRequestNonBlockingSuccess(t *testing.T) {
	p, conn, storage := newTestProcessor(t, echoModule())
	defer p.Close()

	params, _ := json.Marshal(map[string]string{"message": "hi"})
	env := nonBlockingRequestEnvelope("echo", "echo", "txn-6", true, params)
	p.ProcessRequest(action.NonBlocking, env)

	conn.awaitByType(t, connector.TypeProvisionalResponse)
	conn.awaitByType(t, connector.TypeNonBlockingResponse)

	metadata, err := storage.GetMetadata("txn-6")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if metadata.Status != action.StatusSuccess {
		t.Errorf("status = %s, want %s", metadata.Status, action.StatusSuccess)
	}
}

// detachedModule mimics a bolt/external/task module's non-blocking path:
// ExecuteAction launches a wrapper and returns Running immediately,
// without waiting for it. The real outcome is written to the spool
// directory later by a process the module itself never touches again.
func detachedModule() *stubModule {
	return &stubModule{
		name:    "detached",
		actions: []string{"run"},
		async:   true,
		run: func(req *action.Request) *action.Response {
			return &action.Response{
				ModuleType:  action.Internal,
				RequestType: req.Type,
				Metadata:    action.Metadata{Status: action.StatusRunning},
			}
		},
	}
}

func TestProcessRequestNonBlockingWaitsForDetachedCompletion(t *testing.T) {
	p, conn, storage := newTestProcessor(t, detachedModule())
	defer p.Close()

	env := nonBlockingRequestEnvelope("detached", "run", "txn-7", true, nil)
	p.ProcessRequest(action.NonBlocking, env)

	conn.awaitByType(t, connector.TypeProvisionalResponse)

	// The detached wrapper "completes" shortly after launch, writing its
	// exitcode/stdout/stderr straight to the spool directory the way the
	// real wrapper process would.
	go func() {
		time.Sleep(50 * time.Millisecond)
		dir := storage.Dir("txn-7")
		os.WriteFile(filepath.Join(dir, "stdout"), []byte("hi"), 0640)
		os.WriteFile(filepath.Join(dir, "stderr"), []byte(""), 0640)
		os.WriteFile(filepath.Join(dir, "exitcode"), []byte("0"), 0640)
	}()

	resp := conn.awaitByType(t, connector.TypeNonBlockingResponse)

	var body struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		t.Fatal(err)
	}
	var out action.Output
	if err := json.Unmarshal(body.Results, &out); err != nil {
		t.Fatalf("results did not decode as action.Output: %v", err)
	}
	if out.Stdout != "hi" {
		t.Errorf("stdout = %q, want hi", out.Stdout)
	}
	if out.ExitCode != 0 {
		t.Errorf("exitcode = %d, want 0", out.ExitCode)
	}

	metadata, err := storage.GetMetadata("txn-7")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if metadata.Status != action.StatusSuccess {
		t.Errorf("status = %s, want %s", metadata.Status, action.StatusSuccess)
	}
}

func TestHandleStatusQueryUnknownTransaction(t *testing.T) {
	p, conn, _ := newTestProcessor(t, echoModule())

	data, _ := json.Marshal(map[string]string{"transaction_id": "no-such-txn"})
	env := connector.Envelope{
		ID:     "env-7",
		Sender: "pcp://controller",
		Data: mustMarshal(map[string]interface{}{
			"transaction_id": "q-1",
			"module":         "status",
			"action":         "query",
			"params":         json.RawMessage(data),
		}),
	}
	p.ProcessRequest(action.Blocking, env)

	resp := conn.awaitByType(t, connector.TypeBlockingResponse)
	var body struct {
		Results action.Metadata `json:"results"`
	}
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Results.Status != action.StatusUnknown {
		t.Errorf("status = %s, want %s", body.Results.Status, action.StatusUnknown)
	}
}

func TestPurgeSpoolRemovesExpiredEntries(t *testing.T) {
	storage := resultsdir.New(t.TempDir())
	conn := newFakeConn()
	adaptor := connector.NewAdaptor(conn, "pxp-agent", time.Minute)
	p := New(nil, nil, storage, adaptor, "0m")

	if err := storage.InitializeMetadata("old-txn", &action.Metadata{
		Module: "echo", Action: "echo", TransactionID: "old-txn", Status: action.StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	p.purgeSpool()

	if _, err := os.Stat(filepath.Join(storage.Root(), "old-txn")); !os.IsNotExist(err) {
		t.Error("expected expired spool entry to be purged")
	}
}

func TestPurgeSpoolKeepsRecentEntries(t *testing.T) {
	storage := resultsdir.New(t.TempDir())
	conn := newFakeConn()
	adaptor := connector.NewAdaptor(conn, "pxp-agent", time.Minute)
	p := New(nil, nil, storage, adaptor, "60m")

	if err := storage.InitializeMetadata("recent-txn", &action.Metadata{
		Module: "echo", Action: "echo", TransactionID: "recent-txn", Status: action.StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	p.purgeSpool()

	if _, err := os.Stat(filepath.Join(storage.Root(), "recent-txn")); err != nil {
		t.Error("expected recent spool entry to survive purge")
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
