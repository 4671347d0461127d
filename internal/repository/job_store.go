package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/timmy/lucidia/internal/domain"
)

// JobStore persists job documents.
type JobStore interface {
	// Create writes a new document; it fails if one already exists for the ID.
	Create(ctx context.Context, job *domain.Job) error

	// Get loads a document. Missing documents wrap domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update applies fn to the stored document and writes it back. Nothing is
	// written when fn returns an error.
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error)

	// Path returns the document location for id.
	Path(id string) string
}

// FileJobStore keeps one JSON file per job in a directory.
type FileJobStore struct {
	dir   string
	locks *keyedMutex
	now   func() time.Time
}

// NewFileJobStore creates a store rooted at dir.
// Parameters:
//   - dir: directory holding metadata_{id}.json files; created if missing.
//
// Returns:
//   - *FileJobStore: initialized store.
//   - error: non-nil if the directory cannot be created.
func NewFileJobStore(dir string) (*FileJobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return &FileJobStore{
		dir:   dir,
		locks: newKeyedMutex(),
		now:   time.Now,
	}, nil
}

// Dir returns the metadata directory.
func (s *FileJobStore) Dir() string { return s.dir }

// FileName returns the document file name for id.
func FileName(id string) string {
	return "metadata_" + id + ".json"
}

func (s *FileJobStore) Path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

func (s *FileJobStore) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return &domain.PersistenceError{Op: "create", Err: errors.New("nil job")}
	}
	if !domain.ValidID(job.ID) {
		return &domain.PersistenceError{Op: "create", JobID: job.ID, Err: fmt.Errorf("%w: invalid job id", domain.ErrValidation)}
	}
	if err := ctx.Err(); err != nil {
		return &domain.PersistenceError{Op: "create", JobID: job.ID, Err: err}
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	if _, err := os.Stat(s.Path(job.ID)); err == nil {
		return &domain.PersistenceError{Op: "create", JobID: job.ID, Err: fs.ErrExist}
	}
	if job.MetadataPath == "" {
		job.MetadataPath = s.Path(job.ID)
	}
	job.UpdatedAt = s.now().UTC()
	if err := s.write(job); err != nil {
		return &domain.PersistenceError{Op: "create", JobID: job.ID, Err: err}
	}
	return nil
}

func (s *FileJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if !domain.ValidID(id) {
		return nil, &domain.PersistenceError{Op: "read", JobID: id, Err: fmt.Errorf("%w: invalid job id", domain.ErrNotFound)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "read", JobID: id, Err: err}
	}
	job, err := s.read(id)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read", JobID: id, Err: err}
	}
	return job, nil
}

func (s *FileJobStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	if !domain.ValidID(id) {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: fmt.Errorf("%w: invalid job id", domain.ErrNotFound)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: err}
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	job, err := s.read(id)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: err}
	}
	if err := fn(job); err != nil {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: err}
	}
	job.UpdatedAt = s.now().UTC()
	if err := s.write(job); err != nil {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: err}
	}
	return job, nil
}

func (s *FileJobStore) read(id string) (*domain.Job, error) {
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, &domain.ParseError{Source: s.Path(id), Err: err}
	}
	return &job, nil
}

// write replaces the document atomically: readers see the old or the new
// file, never a partial one.
func (s *FileJobStore) write(job *domain.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FileName(job.ID)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.Path(job.ID)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
