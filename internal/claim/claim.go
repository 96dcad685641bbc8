// Package claim implements file-based mutual exclusion over a bounded pool
// of numbered workspace directories. A claim is a marker file created with
// O_EXCL; stale claims (dead owner or expired liveness window) are reclaimed
// with a content compare so a third racer cannot steal from a second.
package claim

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"changeline/internal/config"
	"changeline/internal/domain"
	"changeline/internal/proc"
)

// Class partitions the workspace pool so interactive sessions never collide
// with background workflows.
type Class int

const (
	Interactive Class = iota
	Background
)

// Manager allocates workspace numbers from the configured pool ranges.
type Manager struct {
	Dir               string
	Interactive       config.PoolRange
	Background        config.PoolRange
	LivenessThreshold time.Duration

	// Injectable for tests.
	Now   func() time.Time
	PID   int
	Alive func(pid int) bool
}

// New builds a Manager from config.
func New(dir string, cfg *config.Config) *Manager {
	return &Manager{
		Dir:               dir,
		Interactive:       cfg.Pools.Interactive,
		Background:        cfg.Pools.Background,
		LivenessThreshold: cfg.Claims.LivenessThreshold.Std(),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) pid() int {
	if m.PID != 0 {
		return m.PID
	}
	return os.Getpid()
}

func (m *Manager) alive(pid int) bool {
	if m.Alive != nil {
		return m.Alive(pid)
	}
	return proc.Alive(pid)
}

func (m *Manager) markerPath(num int) string {
	return filepath.Join(m.Dir, fmt.Sprintf("ws-%d.claim", num))
}

func (m *Manager) poolRange(class Class) config.PoolRange {
	if class == Interactive {
		return m.Interactive
	}
	return m.Background
}

// Claim scans the class's range for the lowest free workspace and takes it.
// Returns domain.ErrNoCapacity when every number is held; the caller retries
// later.
func (m *Manager) Claim(class Class, tag, target string) (*domain.WorkspaceClaim, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, err
	}
	r := m.poolRange(class)
	for num := r.Low; num <= r.High; num++ {
		c, ok, err := m.tryClaim(num, tag, target)
		if err != nil {
			return nil, err
		}
		if ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("pool [%d,%d]: %w", r.Low, r.High, domain.ErrNoCapacity)
}

func (m *Manager) tryClaim(num int, tag, target string) (*domain.WorkspaceClaim, bool, error) {
	c := &domain.WorkspaceClaim{
		Workspace:  num,
		PID:        m.pid(),
		Tag:        tag,
		Target:     target,
		Token:      uuid.NewString(),
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, false, err
	}
	path := m.markerPath(num)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			os.Remove(path)
			return nil, false, werr
		}
		if cerr := f.Close(); cerr != nil {
			os.Remove(path)
			return nil, false, cerr
		}
		return c, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}
	// Held. Reclaim only when stale. The break renames the marker to a
	// private quarantine name: rename is atomic, so of any number of racers
	// that judged the same marker stale, exactly one moves it aside, and a
	// loser can never delete a winner's fresh marker.
	existing, raw, err := m.read(num)
	if err != nil {
		return nil, false, nil
	}
	if !m.IsStale(existing) {
		return nil, false, nil
	}
	quarantine := path + ".breaking-" + uuid.NewString()
	if err := os.Rename(path, quarantine); err != nil {
		return nil, false, nil
	}
	moved, err := os.ReadFile(quarantine)
	if err != nil || !bytes.Equal(moved, raw) {
		// The marker changed hands between the staleness check and the
		// rename. Put it back; link refuses to clobber a re-created marker.
		if os.Link(quarantine, path) == nil {
			os.Remove(quarantine)
		}
		return nil, false, nil
	}
	os.Remove(quarantine)
	// Another claimant may win the re-create; keep scanning if so.
	f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, nil
	}
	if _, werr := f.Write(data); werr != nil {
		f.Close()
		os.Remove(path)
		return nil, false, werr
	}
	if cerr := f.Close(); cerr != nil {
		os.Remove(path)
		return nil, false, cerr
	}
	return c, true, nil
}

func (m *Manager) read(num int) (*domain.WorkspaceClaim, []byte, error) {
	data, err := os.ReadFile(m.markerPath(num))
	if err != nil {
		return nil, nil, err
	}
	var c domain.WorkspaceClaim
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, nil, fmt.Errorf("claim marker ws-%d: %w", num, err)
	}
	return &c, data, nil
}

// Get returns the current claim for a workspace number, or ErrNotFound.
func (m *Manager) Get(num int) (*domain.WorkspaceClaim, error) {
	c, _, err := m.read(num)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workspace %d: %w", num, domain.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// List returns every live claim marker across both pools.
func (m *Manager) List() ([]domain.WorkspaceClaim, error) {
	var out []domain.WorkspaceClaim
	for _, r := range []config.PoolRange{m.Interactive, m.Background} {
		for num := r.Low; num <= r.High; num++ {
			c, _, err := m.read(num)
			if err != nil {
				continue
			}
			out = append(out, *c)
		}
	}
	return out, nil
}

// FindByTarget returns the claim whose tag and target match, if any.
func (m *Manager) FindByTarget(tag, target string) (*domain.WorkspaceClaim, bool) {
	claims, err := m.List()
	if err != nil {
		return nil, false
	}
	for i := range claims {
		if claims[i].Tag == tag && claims[i].Target == target {
			return &claims[i], true
		}
	}
	return nil, false
}

// Release drops the marker for a workspace number.
func (m *Manager) Release(num int) error {
	err := os.Remove(m.markerPath(num))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsStale reports whether a claim is reclaimable: its owner is no longer
// running, or its timestamp exceeds the liveness threshold.
func (m *Manager) IsStale(c *domain.WorkspaceClaim) bool {
	if !m.alive(c.PID) {
		return true
	}
	at, err := time.Parse(time.RFC3339Nano, c.AcquiredAt)
	if err != nil {
		return true
	}
	return m.now().Sub(at) > m.LivenessThreshold
}
