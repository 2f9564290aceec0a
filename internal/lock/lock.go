// Package lock implements a cross-process mutex keyed by session
// identifier, with stale-owner detection via a process liveness probe.
// It synthesizes two patterns from the teacher project: gofrs/flock's
// atomic file locking, and the PID-liveness idiom used for orphan
// process cleanup. Liveness is a signal-0 probe of the recorded pid
// only; the owner's process start time is not compared, so a reused pid
// counts as a live owner.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrAlreadyLocked is returned by Acquire when another live process
// already holds the lock for a session.
var ErrAlreadyLocked = errors.New("already locked")

// Record is the on-disk lock payload.
type Record struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	CreatedTS time.Time `json:"created_ts"`
	Hostname  string    `json:"hostname"`
}

// Manager owns a directory of per-session lock files.
type Manager struct {
	dir            string
	pidStartTimeFn func(pid int) (string, error)
}

// NewManager returns a Manager rooted at dir (created if absent).
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Manager{dir: dir, pidStartTimeFn: processStartTime}, nil
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".lock")
}

// Lock is a held lock; Release must be called exactly once.
type Lock struct {
	sessionID string
	path      string
	flock     *flock.Flock
	manager   *Manager
}

// Acquire attempts to take the lock for sessionID. If an existing lock
// file's owner process is not live, it is treated as stale and removed
// before the single lock attempt. Returns ErrAlreadyLocked if a live
// owner holds it.
func (m *Manager) Acquire(sessionID string) (*Lock, error) {
	path := m.path(sessionID)

	if stale, err := m.isStale(path); err == nil && stale {
		_ = os.Remove(path)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for %s: %w", sessionID, err)
	}
	if !locked {
		return nil, ErrAlreadyLocked
	}

	record := Record{
		SessionID: sessionID,
		PID:       os.Getpid(),
		CreatedTS: time.Now().UTC(),
		Hostname:  hostname(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("marshaling lock record: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing lock record: %w", err)
	}

	return &Lock{sessionID: sessionID, path: path, flock: fl, manager: m}, nil
}

// isStale reports whether the lock file at path names a pid that is
// not live. Absence of a file or record is not an error; it simply
// means there is nothing stale to clean up.
func (m *Manager) isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt lock file: treat as stale so it can be reclaimed.
		return true, nil
	}
	return !m.pidLive(rec.PID), nil
}

func (m *Manager) pidLive(pid int) bool {
	return processLive(pid)
}

// Release removes the lock file. Releasing a lock file now owned by a
// different pid (e.g. reclaimed after this process's lock went stale)
// is logged as a warning but still proceeds — release is best-effort.
func (l *Lock) Release() error {
	if data, err := os.ReadFile(l.path); err == nil {
		var rec Record
		if json.Unmarshal(data, &rec) == nil && rec.PID != os.Getpid() {
			fmt.Fprintf(os.Stderr, "warning: releasing lock %s owned by pid %d (current pid %d)\n", l.sessionID, rec.PID, os.Getpid())
		}
	}
	_ = os.Remove(l.path)
	return l.flock.Unlock()
}

// WithLock acquires the lock for sessionID, runs fn, and guarantees the
// lock is released on every exit path: normal return, error return, or
// panic.
func (m *Manager) WithLock(sessionID string, fn func() error) (err error) {
	l, err := m.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer func() {
		relErr := l.Release()
		if err == nil {
			err = relErr
		}
	}()
	return fn()
}

// CleanupStale iterates all lock files and removes those whose owner
// pid is not live. Returns the count removed.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		stale, err := m.isStale(path)
		if err != nil || !stale {
			continue
		}
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// processStartTime returns the start time of a process via ps(1). It is
// stored on the Manager but not consulted by isStale or CleanupStale,
// which rely on signal-0 liveness alone.
func processStartTime(pid int) (string, error) {
	cmd := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid))
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
