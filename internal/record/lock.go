package record

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"changeline/internal/domain"
	"changeline/internal/proc"
)

// LockConfig tunes record lock acquisition. All values come from config.
type LockConfig struct {
	RetryInterval time.Duration
	MaxWait       time.Duration
	StaleAfter    time.Duration
}

type lockInfo struct {
	PID        int    `yaml:"pid"`
	AcquiredAt string `yaml:"acquired_at"`
}

// fileLock is an exclusive advisory lock implemented as a sidecar file
// created with O_EXCL. A lock is stale when its owner is dead or its age
// exceeds StaleAfter; stale locks are broken by an atomic rename aside so
// two breakers cannot both win.
type fileLock struct {
	path  string
	cfg   LockConfig
	now   func() time.Time
	alive func(pid int) bool
}

// acquire takes the lock, retrying on contention until cfg.MaxWait elapses.
// Returns domain.ErrLockHeld (retryable) when the lock stays contended.
func (l *fileLock) acquire(ctx context.Context) error {
	deadline := l.now().Add(l.cfg.MaxWait)
	for {
		ok, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if l.now().After(deadline) {
			return fmt.Errorf("lock %s: %w", l.path, domain.ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}

func (l *fileLock) tryAcquire() (bool, error) {
	info := lockInfo{PID: os.Getpid(), AcquiredAt: l.now().UTC().Format(time.RFC3339Nano)}
	data, err := yaml.Marshal(info)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(l.path)
			return false, fmt.Errorf("write lock %s: %w", l.path, err)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, err
	}
	l.breakIfStale()
	return false, nil
}

// breakIfStale removes the lock when its owner is dead or it outlived
// StaleAfter.
func (l *fileLock) breakIfStale() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var info lockInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		// Unreadable lock content counts as stale once old enough.
		if fi, serr := os.Stat(l.path); serr == nil && l.now().Sub(fi.ModTime()) > l.cfg.StaleAfter {
			l.breakStale(data)
		}
		return
	}
	stale := !l.alive(info.PID)
	if !stale {
		if at, perr := time.Parse(time.RFC3339Nano, info.AcquiredAt); perr == nil {
			stale = l.now().Sub(at) > l.cfg.StaleAfter
		}
	}
	if !stale {
		return
	}
	l.breakStale(data)
}

// breakStale moves the lock aside under a private quarantine name before
// deleting it. Rename is atomic, so two breakers of the same stale lock
// cannot both succeed, and a loser can never delete a lock a winner has
// freshly taken.
func (l *fileLock) breakStale(judged []byte) {
	quarantine := l.path + ".breaking-" + uuid.NewString()
	if err := os.Rename(l.path, quarantine); err != nil {
		return
	}
	moved, err := os.ReadFile(quarantine)
	if err != nil || !bytes.Equal(moved, judged) {
		// The lock changed hands between the staleness check and the
		// rename. Put it back; link refuses to clobber a re-taken lock.
		if os.Link(quarantine, l.path) == nil {
			os.Remove(quarantine)
		}
		return
	}
	os.Remove(quarantine)
}

// release drops the lock.
func (l *fileLock) release() {
	os.Remove(l.path)
}

func newFileLock(path string, cfg LockConfig, now func() time.Time) *fileLock {
	if now == nil {
		now = time.Now
	}
	return &fileLock{path: path, cfg: cfg, now: now, alive: proc.Alive}
}
