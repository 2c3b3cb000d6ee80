// Package cachelock keeps the clangd symbol cache of a project from being
// used by two instances at the same time.
//
// The lock file lives in the .cache directory of the project and holds one
// line per owner, in the form "pid;executable;projectFile". The protocol is
// best effort: the file is read, checked and rewritten without any kernel
// level lock, so two instances starting at the very same instant may both
// succeed.
package cachelock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/mitchellh/go-ps"
	"github.com/pkg/errors"
	"go.bug.st/lsp/jsonrpc"
)

// LockFileName is the name of the lock file inside the cache directory.
const LockFileName = "clangd-cache.lock"

// Entry is a line of the lock file.
type Entry struct {
	PID         int
	Executable  string
	ProjectFile string
}

func (e Entry) String() string {
	return strconv.Itoa(e.PID) + ";" + e.Executable + ";" + e.ProjectFile
}

// ProcessProbe tells whether a process is running, and its executable name.
type ProcessProbe interface {
	// Find returns the executable name of the running process pid, or
	// false if no such process exists.
	Find(pid int) (string, bool, error)
}

type psProbe struct{}

func (psProbe) Find(pid int) (string, bool, error) {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return "", false, err
	}
	if proc == nil {
		return "", false, nil
	}
	return proc.Executable(), true, nil
}

// Project is what the registry needs to know about a project.
type Project interface {
	ProjectFile() *paths.Path
	BaseDir() *paths.Path
}

// Registry acquires and releases cache locks on behalf of one process.
type Registry struct {
	logger     jsonrpc.FunctionLogger
	pid        int
	executable string
	probe      ProcessProbe
}

// New creates a registry for the running process.
func New(logger jsonrpc.FunctionLogger) *Registry {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return NewWithIdentity(logger, os.Getpid(), exe, psProbe{})
}

// NewWithIdentity creates a registry acting as process pid running
// executable. Liveness of other owners is checked with probe.
func NewWithIdentity(logger jsonrpc.FunctionLogger, pid int, executable string, probe ProcessProbe) *Registry {
	return &Registry{
		logger:     logger,
		pid:        pid,
		executable: executable,
		probe:      probe,
	}
}

// LockFilePath returns the path of the lock file guarding the cache of project.
func LockFilePath(project Project) *paths.Path {
	return project.BaseDir().Join(".cache", LockFileName)
}

// ReadEntries parses the lock file. A missing file has no entries.
func ReadEntries(lockFile *paths.Path) ([]Entry, error) {
	if !lockFile.Exist() {
		return []Entry{}, nil
	}
	data, err := lockFile.ReadFile()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockFile)
	}
	res := []Entry{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ";", 3)
		if len(fields) != 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		res = append(res, Entry{PID: pid, Executable: fields[1], ProjectFile: fields[2]})
	}
	return res, nil
}

func writeEntries(lockFile *paths.Path, entries []Entry) error {
	if len(entries) == 0 {
		if lockFile.Exist() {
			return lockFile.Remove()
		}
		return nil
	}
	if err := lockFile.Parent().MkdirAll(); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lockFile.WriteFile([]byte(strings.Join(lines, "\n") + "\n"))
}

// Acquire records this process as the owner of the cache of project. It
// returns false if another live instance of the same program owns it.
// Entries left by dead processes are reclaimed.
func (r *Registry) Acquire(project Project) (bool, error) {
	lockFile := LockFilePath(project)
	projectFile := project.ProjectFile().String()
	entries, err := ReadEntries(lockFile)
	if err != nil {
		return false, err
	}

	res := []Entry{}
	for _, e := range entries {
		if e.ProjectFile != projectFile {
			res = append(res, e)
			continue
		}
		if e.PID == r.pid {
			// already ours
			return true, nil
		}
		alive, err := r.ownerAlive(e)
		if err != nil {
			return false, err
		}
		if alive {
			r.logger.Logf("Cache of %s is locked by pid %d (%s)", projectFile, e.PID, e.Executable)
			return false, nil
		}
		r.logger.Logf("Reclaiming stale cache lock of pid %d for %s", e.PID, projectFile)
	}

	res = append(res, Entry{PID: r.pid, Executable: r.executable, ProjectFile: projectFile})
	if err := writeEntries(lockFile, res); err != nil {
		return false, err
	}
	return true, nil
}

// Release removes the entry of this process for project. The lock file is
// deleted when it becomes empty. Releasing a lock not held is a no-op.
func (r *Registry) Release(project Project) error {
	lockFile := LockFilePath(project)
	projectFile := project.ProjectFile().String()
	entries, err := ReadEntries(lockFile)
	if err != nil {
		return err
	}
	res := []Entry{}
	for _, e := range entries {
		if e.PID == r.pid && e.ProjectFile == projectFile {
			continue
		}
		res = append(res, e)
	}
	if len(res) == len(entries) {
		return nil
	}
	return writeEntries(lockFile, res)
}

// Owner returns the entry owning the cache of project, or nil.
func (r *Registry) Owner(project Project) (*Entry, error) {
	entries, err := ReadEntries(LockFilePath(project))
	if err != nil {
		return nil, err
	}
	projectFile := project.ProjectFile().String()
	for _, e := range entries {
		if e.ProjectFile == projectFile {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

// ForceRelease removes every entry for project, whoever the owner is.
func (r *Registry) ForceRelease(project Project) error {
	lockFile := LockFilePath(project)
	projectFile := project.ProjectFile().String()
	entries, err := ReadEntries(lockFile)
	if err != nil {
		return err
	}
	res := []Entry{}
	for _, e := range entries {
		if e.ProjectFile != projectFile {
			res = append(res, e)
		}
	}
	return writeEntries(lockFile, res)
}

// ownerAlive returns true if the owner of e is running and is an instance of
// the same program. A reused pid belonging to another program is stale.
func (r *Registry) ownerAlive(e Entry) (bool, error) {
	name, running, err := r.probe.Find(e.PID)
	if err != nil {
		return false, errors.Wrapf(err, "checking process %d", e.PID)
	}
	if !running {
		return false, nil
	}
	return sameFamily(name, e.Executable), nil
}

// sameFamily compares a process name with a recorded executable path. The
// process name may be truncated by the OS (15 chars on Linux).
func sameFamily(processName, executable string) bool {
	normalize := func(s string) string {
		s = strings.ToLower(filepath.Base(s))
		return strings.TrimSuffix(s, ".exe")
	}
	name := normalize(processName)
	exe := normalize(executable)
	if name == "" || exe == "" {
		return false
	}
	return name == exe || (len(name) >= 15 && strings.HasPrefix(exe, name))
}
