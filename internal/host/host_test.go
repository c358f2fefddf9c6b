package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pxp-agent.pid")

	pf, err := NewPIDFile(path)
	if err != nil {
		t.Fatalf("NewPIDFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected pidfile to contain the current pid")
	}

	if !IsExecuting(path) {
		t.Error("expected IsExecuting to report true for our own live pid")
	}

	if err := pf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pidfile to be removed after Close")
	}
}

func TestPIDFileRejectsSecondLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pxp-agent.pid")

	pf, err := NewPIDFile(path)
	if err != nil {
		t.Fatalf("NewPIDFile: %v", err)
	}
	defer pf.Close()

	if _, err := NewPIDFile(path); err == nil {
		t.Fatal("expected a second NewPIDFile on the same path to fail")
	}
}

func TestIsExecutingMissingFile(t *testing.T) {
	if IsExecuting(filepath.Join(t.TempDir(), "does-not-exist.pid")) {
		t.Fatal("expected a missing pidfile to report not executing")
	}
}

func TestRunUntilSignalReturnsRunError(t *testing.T) {
	sentinel := errors.New("boom")
	err := RunUntilSignal(func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got error %v, want %v", err, sentinel)
	}
}

func TestRunUntilSignalStopsOnSIGTERM(t *testing.T) {
	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- RunUntilSignal(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	}()

	<-started
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("RunUntilSignal returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunUntilSignal did not return after SIGTERM")
	}
}
