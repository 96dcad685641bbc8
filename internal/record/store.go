package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"changeline/internal/domain"
)

// Store reads and mutates project records under a state directory. Records
// are named <project>.csr or <project>.yml; the extension picks the codec.
type Store struct {
	Dir  string
	Lock LockConfig
	Now  func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

var recordExts = []string{".csr", ".yml", ".yaml"}

// Path returns the record file path for a project, preferring an existing
// file and defaulting to the text layout for new records.
func (s *Store) Path(project string) string {
	for _, ext := range recordExts {
		p := filepath.Join(s.Dir, project+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(s.Dir, project+".csr")
}

// List returns the names of all tracked projects, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, ext := range recordExts {
			if strings.HasSuffix(name, ext) {
				project := strings.TrimSuffix(name, ext)
				if !seen[project] {
					seen[project] = true
					names = append(names, project)
				}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Create writes a new empty record. The format is chosen by the extension of
// name ("csr" text layout by default).
func (s *Store) Create(project, format string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	ext := ".csr"
	if format == "yaml" || format == "yml" {
		ext = ".yml"
	}
	for _, e := range recordExts {
		if _, err := os.Stat(filepath.Join(s.Dir, project+e)); err == nil {
			return fmt.Errorf("project %s already exists", project)
		}
	}
	path := filepath.Join(s.Dir, project+ext)
	codec, err := codecFor(path)
	if err != nil {
		return err
	}
	data, err := codec.Encode(&domain.Project{Name: project})
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// Load parses a project record. Parse failures surface as CorruptRecordError
// so the daemon can skip the record and keep going.
func (s *Store) Load(project string) (*domain.Project, error) {
	path := s.Path(project)
	codec, err := codecFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project %s: %w", project, domain.ErrNotFound)
		}
		return nil, err
	}
	p, err := codec.Decode(data)
	if err != nil {
		return nil, &domain.CorruptRecordError{Path: path, Err: err}
	}
	return p, nil
}

// Update applies fn to the current record under the exclusive record lock
// and writes the result back atomically. fn must be a pure transformation of
// the passed project; returning an error leaves the record untouched.
func (s *Store) Update(ctx context.Context, project string, fn func(*domain.Project) error) error {
	path := s.Path(project)
	lock := newFileLock(path+".lock", s.Lock, s.Now)
	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer lock.release()

	p, err := s.Load(project)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	codec, err := codecFor(path)
	if err != nil {
		return err
	}
	data, err := codec.Encode(p)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// writeAtomic writes via a temp file in the same directory and renames over
// the target, so readers never observe a partial record.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
