// Package host provides the daemonization support cmd/pxp-agent runs
// under: an advisory-locked PID file and a signal-driven graceful
// shutdown, the one piece of this domain that is genuinely
// POSIX-specific.
package host

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/puppetlabs/pxp-agent/internal/logging"
	"github.com/puppetlabs/pxp-agent/internal/procutil"
	"golang.org/x/sys/unix"
)

// PIDFile owns an advisory-locked pidfile for the life of the process.
type PIDFile struct {
	path string
	file *os.File
}

// NewPIDFile creates (or takes over) the pidfile at path, advisory-locks
// it, and writes the current process's pid. It fails if another live
// process already holds the lock.
func NewPIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("open pidfile %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pxp-agent is already running (pidfile %s is locked): %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return &PIDFile{path: path, file: f}, nil
}

// Close releases the lock and removes the pidfile.
func (p *PIDFile) Close() error {
	defer p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsExecuting reads path and reports whether the pid it names still
// refers to a live process. A missing or unparsable pidfile is treated
// as "not executing".
func IsExecuting(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	return procutil.Exists(pid)
}

// RunUntilSignal calls run with a context that is cancelled on SIGINT or
// SIGTERM, and returns once run returns. It is the top-level shape
// cmd/pxp-agent's daemon command uses to wire the Agent's lifetime to
// the process's.
func RunUntilSignal(run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case <-ctx.Done():
		logging.Op().Info("shutdown signal received")
		return <-errCh
	case err := <-errCh:
		return err
	}
}
