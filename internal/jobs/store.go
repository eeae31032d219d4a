package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Remove when no job has the given ID.
var ErrNotFound = errors.New("job not found")

// Store persists jobs waiting for a manual concatenation run.
type Store interface {
	Load() ([]Job, error) // empty when nothing is queued
	Append(j Job) error
	Remove(id string) error // ErrNotFound if absent
}

// diskStore keeps the queue in a single JSON file.
type diskStore struct {
	mu   sync.Mutex
	path string // full path to pending.json
}

// NewStore returns a Store backed by the XDG data directory.
// Path: $XDG_DATA_HOME/fightrec/pending.json or ~/.local/share/fightrec/pending.json
func NewStore() (Store, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &diskStore{path: filepath.Join(dir, "pending.json")}, nil
}

func dataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "fightrec"), nil
}

func (d *diskStore) Load() ([]Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

func (d *diskStore) Append(j Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, err := d.read()
	if err != nil {
		return err
	}
	return d.write(append(queue, j))
}

func (d *diskStore) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue, err := d.read()
	if err != nil {
		return err
	}
	for i, j := range queue {
		if j.ID == id {
			return d.write(append(queue[:i], queue[i+1:]...))
		}
	}
	return ErrNotFound
}

func (d *diskStore) read() ([]Job, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Job{}, nil
		}
		return nil, fmt.Errorf("failed to read job queue: %w", err)
	}
	var queue []Job
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("failed to parse job queue: %w", err)
	}
	if queue == nil {
		queue = []Job{}
	}
	return queue, nil
}

// write replaces the queue file atomically via a temp file + os.Rename.
func (d *diskStore) write(queue []Job) (err error) {
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist job queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.path), "pending-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist job queue: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist job queue: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist job queue: %w", err)
	}
	if err = os.Rename(tmpName, d.path); err != nil {
		return fmt.Errorf("failed to persist job queue: %w", err)
	}
	return nil
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu    sync.Mutex
	queue []Job
}

func (m *MemStore) Load() ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *MemStore) Append(j Job) error {
	m.mu.Lock()
	m.queue = append(m.queue, j)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.queue {
		if j.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
