package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRequestLoggerWritesJSONLine(t *testing.T) {
	l := &RequestLogger{enabled: true}
	path := filepath.Join(t.TempDir(), "requests.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Log(&RequestLog{
		TransactionID: "txn-1",
		Module:        "bolt",
		Action:        "run",
		Status:        "success",
		DurationMs:    42,
		ExitCode:      0,
	})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line in the request log")
	}
	var entry RequestLog
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log line did not parse as JSON: %v", err)
	}
	if entry.TransactionID != "txn-1" || entry.Module != "bolt" || entry.Status != "success" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected Log to stamp Timestamp")
	}
	if scanner.Scan() {
		t.Error("expected exactly one line")
	}
}

func TestRequestLoggerDisabledSkipsWrite(t *testing.T) {
	l := &RequestLogger{enabled: false}
	path := filepath.Join(t.TempDir(), "requests.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Log(&RequestLog{TransactionID: "txn-2"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("expected no output while disabled, got %q", data)
	}
}
