// Package resultsdir is the durable persistence layer over the spool
// directory: one directory per transaction holding metadata, pid, stdout,
// stderr and exitcode files. Every write that must be observed atomically
// by a concurrent reader goes through writeFileAtomic (write-to-temp,
// then rename).
package resultsdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/pkg/fsutil"
)

// posixFileMode is applied to every file this package writes, on POSIX
// systems: owner read/write, group read.
const posixFileMode = 0640

// Store is a thin handle on the spool directory root.
type Store struct {
	spoolDir string
}

// New returns a Store rooted at spoolDir. The directory is not created
// here; it is expected to already exist (the agent creates it at startup).
func New(spoolDir string) *Store {
	return &Store{spoolDir: spoolDir}
}

func (s *Store) dir(transactionID string) string {
	return filepath.Join(s.spoolDir, transactionID)
}

// Exists reports whether a results directory exists for transactionID.
func (s *Store) Exists(transactionID string) bool {
	info, err := os.Stat(s.dir(transactionID))
	return err == nil && info.IsDir()
}

// ModTime returns the results directory's modification time, used by the
// spool purge loop to decide eligibility.
func (s *Store) ModTime(transactionID string) (os.FileInfo, error) {
	return os.Stat(s.dir(transactionID))
}

func writeFileAtomic(path string, data []byte) error {
	return fsutil.AtomicWriteFile(path, data, posixFileMode)
}

// InitializeMetadata creates the results directory (if necessary) and
// atomically writes the initial metadata file.
func (s *Store) InitializeMetadata(transactionID string, metadata *action.Metadata) error {
	dir := s.dir(transactionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create results directory %s: %w", dir, err)
	}
	return s.UpdateMetadata(transactionID, metadata)
}

// UpdateMetadata atomically rewrites the metadata file. The results
// directory must already exist.
func (s *Store) UpdateMetadata(transactionID string, metadata *action.Metadata) error {
	dir := s.dir(transactionID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("no results directory for transaction %s", transactionID)
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "metadata"), data)
}

// GetMetadata reads and parses the metadata file for transactionID.
func (s *Store) GetMetadata(transactionID string) (*action.Metadata, error) {
	path := filepath.Join(s.dir(transactionID), "metadata")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", transactionID, err)
	}
	var m action.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", transactionID, err)
	}
	if err := m.Valid(); err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", transactionID, err)
	}
	return &m, nil
}

// PIDExists reports whether a pid file exists for transactionID.
func (s *Store) PIDExists(transactionID string) bool {
	_, err := os.Stat(filepath.Join(s.dir(transactionID), "pid"))
	return err == nil
}

// GetPID reads and parses the pid file.
func (s *Store) GetPID(transactionID string) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(transactionID), "pid"))
	if err != nil {
		return 0, fmt.Errorf("read pid for %s: %w", transactionID, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid for %s: %w", transactionID, err)
	}
	return pid, nil
}

// WritePID atomically writes the pid file (integer followed by a newline).
func (s *Store) WritePID(transactionID string, pid int) error {
	return writeFileAtomic(filepath.Join(s.dir(transactionID), "pid"), []byte(strconv.Itoa(pid)+"\n"))
}

// OutputReady reports whether the exitcode file exists: the single
// durable marker that stdout/stderr/exitcode are all safe to read.
func (s *Store) OutputReady(transactionID string) bool {
	_, err := os.Stat(filepath.Join(s.dir(transactionID), "exitcode"))
	return err == nil
}

// GetOutput reads stdout, stderr and exitcode from disk.
func (s *Store) GetOutput(transactionID string) (action.Output, error) {
	return s.getOutput(transactionID, true, 0)
}

// GetOutputWithExitCode reads stdout/stderr from disk but trusts the
// caller-supplied exit code instead of reading the exitcode file (used
// right after a blocking invocation, where the caller already has it).
func (s *Store) GetOutputWithExitCode(transactionID string, exitcode int) (action.Output, error) {
	return s.getOutput(transactionID, false, exitcode)
}

func (s *Store) getOutput(transactionID string, readExitCode bool, exitcode int) (action.Output, error) {
	dir := s.dir(transactionID)
	out := action.Output{ExitCode: exitcode}

	if stdout, err := os.ReadFile(filepath.Join(dir, "stdout")); err == nil {
		out.Stdout = string(stdout)
	} else if !os.IsNotExist(err) {
		return action.Output{}, fmt.Errorf("read stdout for %s: %w", transactionID, err)
	}

	if stderr, err := os.ReadFile(filepath.Join(dir, "stderr")); err == nil {
		out.Stderr = string(stderr)
	} else if !os.IsNotExist(err) {
		return action.Output{}, fmt.Errorf("read stderr for %s: %w", transactionID, err)
	}

	if readExitCode {
		data, err := os.ReadFile(filepath.Join(dir, "exitcode"))
		if err != nil {
			return action.Output{}, fmt.Errorf("read exitcode for %s: %w", transactionID, err)
		}
		code, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return action.Output{}, fmt.Errorf("parse exitcode for %s: %w", transactionID, err)
		}
		out.ExitCode = code
	}

	return out, nil
}

// StdoutPath, StderrPath, ExitCodePath and PIDPath return the paths the
// execution wrapper should be told to write to for a non-blocking action.
func (s *Store) StdoutPath(transactionID string) string   { return filepath.Join(s.dir(transactionID), "stdout") }
func (s *Store) StderrPath(transactionID string) string   { return filepath.Join(s.dir(transactionID), "stderr") }
func (s *Store) ExitCodePath(transactionID string) string { return filepath.Join(s.dir(transactionID), "exitcode") }
func (s *Store) PIDPath(transactionID string) string      { return filepath.Join(s.dir(transactionID), "pid") }
func (s *Store) Dir(transactionID string) string          { return s.dir(transactionID) }

// Remove deletes the entire results directory for transactionID (used by
// the spool purge loop).
func (s *Store) Remove(transactionID string) error {
	return os.RemoveAll(s.dir(transactionID))
}

// Root returns the spool directory root, for callers (the purge loop)
// that need to enumerate all transactions.
func (s *Store) Root() string { return s.spoolDir }
