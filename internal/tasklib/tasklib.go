// Package tasklib holds the task-name resolution rules shared between
// the task module and the pxp-agent-task-wrapper binary that actually
// locates and runs a task file on disk.
package tasklib

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// nameRE matches either "module" (task defaults to "init") or
// "module::task".
var nameRE = regexp.MustCompile(`\A(\w+)(?:::(\w+))?\z`)

// reservedExtensions are never considered as task executables even when
// their basename matches: they're metadata/documentation siblings of
// the real executable.
var reservedExtensions = map[string]bool{".json": true, ".md": true}

// SplitName splits a PXP task name into its module and task components,
// defaulting task to "init" when only a module is given.
func SplitName(name string) (module, task string, ok bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	task = m[2]
	if task == "" {
		task = "init"
	}
	return m[1], task, true
}

// TasksDir returns the directory a module's task files live under.
func TasksDir(module string) string {
	return filepath.Join(SystemPrefix(), "pxp-agent", "tasks", module, "tasks")
}

// SystemPrefix is the root Puppet installs are made under on this
// platform.
func SystemPrefix() string {
	return "/opt/puppetlabs"
}

// Resolve finds the file backing module/task: it scans TasksDir(module)
// for an entry whose basename (without extension) is task, skipping the
// reserved {.json, .md} extensions, and requires the match to be
// executable. It returns the resolved path, or an error if nothing
// matches.
func Resolve(module, task string) (string, error) {
	dir := TasksDir(module)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("task file for %s::%s is not present or not executable", module, task)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		ext := filepath.Ext(name)
		if reservedExtensions[ext] {
			continue
		}
		if name[:len(name)-len(ext)] != task {
			continue
		}
		path := filepath.Join(dir, name)
		info, statErr := ent.Info()
		if statErr != nil {
			continue
		}
		if info.Mode()&0111 == 0 {
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("task file for %s::%s is not present or not executable", module, task)
}
