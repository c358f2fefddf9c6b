package action

import "testing"

func TestRequestParamsObjectEmpty(t *testing.T) {
	req := &Request{}
	obj, err := req.ParamsObject()
	if err != nil {
		t.Fatal(err)
	}
	if len(obj) != 0 {
		t.Errorf("expected empty object, got %v", obj)
	}
}

func TestRequestParamsObjectParsesJSON(t *testing.T) {
	req := &Request{Params: []byte(`{"message":"hi"}`)}
	obj, err := req.ParamsObject()
	if err != nil {
		t.Fatal(err)
	}
	if obj["message"] != "hi" {
		t.Errorf("message = %v, want hi", obj["message"])
	}
}

func TestRequestParamsObjectRejectsNonObject(t *testing.T) {
	req := &Request{Params: []byte(`[1,2,3]`)}
	if _, err := req.ParamsObject(); err == nil {
		t.Fatal("expected an error for a non-object params value")
	}
}

func TestRequestResultsDirRoundTrip(t *testing.T) {
	req := &Request{}
	if req.ResultsDir() != "" {
		t.Fatal("expected empty results dir before assignment")
	}
	req.SetResultsDir("/spool/txn-1")
	if req.ResultsDir() != "/spool/txn-1" {
		t.Errorf("ResultsDir = %s, want /spool/txn-1", req.ResultsDir())
	}
}

func TestResponseSetValidResults(t *testing.T) {
	resp := &Response{}
	if err := resp.SetValidResults(map[string]int{"exitcode": 0}); err != nil {
		t.Fatal(err)
	}
	if !resp.Metadata.ResultsAreValid {
		t.Error("expected ResultsAreValid to be true")
	}
	if resp.Metadata.Status != StatusSuccess {
		t.Errorf("Status = %s, want %s", resp.Metadata.Status, StatusSuccess)
	}
	if resp.Metadata.End == nil {
		t.Error("expected End to be set")
	}
}

func TestResponseSetBadResults(t *testing.T) {
	resp := &Response{}
	resp.SetBadResults("module exploded")
	if resp.Metadata.ResultsAreValid {
		t.Error("expected ResultsAreValid to be false")
	}
	if resp.Metadata.Status != StatusFailure {
		t.Errorf("Status = %s, want %s", resp.Metadata.Status, StatusFailure)
	}
	if resp.Metadata.ExecutionError != "module exploded" {
		t.Errorf("ExecutionError = %s", resp.Metadata.ExecutionError)
	}
}

func TestMetadataValid(t *testing.T) {
	m := &Metadata{}
	if err := m.Valid(); err == nil {
		t.Fatal("expected error for empty metadata")
	}
	m = &Metadata{Module: "echo", Action: "echo", TransactionID: "t1", Status: StatusRunning}
	if err := m.Valid(); err != nil {
		t.Fatalf("Valid: %v", err)
	}
}

func TestMetadataValidForBlocking(t *testing.T) {
	m := &Metadata{Module: "echo", Action: "echo", TransactionID: "t1", Status: StatusSuccess}
	if err := m.ValidFor(ResponseBlocking); err == nil {
		t.Fatal("expected error: blocking response needs results or execution_error")
	}
	m.Results = []byte(`{"ok":true}`)
	if err := m.ValidFor(ResponseBlocking); err != nil {
		t.Fatalf("ValidFor: %v", err)
	}
}

func TestMetadataValidForNonBlocking(t *testing.T) {
	m := &Metadata{Module: "echo", Action: "echo", TransactionID: "t1", Status: StatusRunning}
	if err := m.ValidFor(ResponseNonBlocking); err == nil {
		t.Fatal("expected error: non-blocking response needs job_id")
	}
	m.JobID = "t1"
	if err := m.ValidFor(ResponseNonBlocking); err != nil {
		t.Fatalf("ValidFor: %v", err)
	}
}

func TestRequestPrettyLabel(t *testing.T) {
	req := &Request{Module: "echo", Action: "echo", TransactionID: "t1", Sender: "pcp://controller"}
	got := req.PrettyLabel()
	want := "echo/echo request t1 by pcp://controller"
	if got != want {
		t.Errorf("PrettyLabel = %q, want %q", got, want)
	}
}
