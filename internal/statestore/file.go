package statestore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/policy"
)

const stateSuffix = ".state"

// FileStore keeps the latest snapshot of every experiment in memory and
// mirrors it to one file per experiment under dir. Disk writes run on a
// single background goroutine, so Put/Delete for the same id apply in
// submission order; reads are served from memory. Files are written to a
// temp file and renamed into place, and blobs that fail their envelope
// check at load time are skipped with a warning.
type FileStore struct {
	dir string

	mu     sync.RWMutex
	blobs  map[uuid.UUID][]byte
	closed bool

	jobs chan fileJob
	wg   sync.WaitGroup
}

type fileOp int

const (
	opWrite fileOp = iota
	opDelete
	opClear
)

type fileJob struct {
	op   fileOp
	id   uuid.UUID
	blob []byte
}

// NewFileStore opens (or creates) a snapshot directory and loads every
// readable snapshot into memory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		blobs: make(map[uuid.UUID][]byte),
		jobs:  make(chan fileJob, 128),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading state directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, stateSuffix))
		if err != nil {
			log.Printf("statestore: skipping %s: not an experiment id", name)
			continue
		}
		blob, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Printf("statestore: skipping %s: %v", name, err)
			continue
		}
		if err := policy.Verify(blob); err != nil {
			log.Printf("statestore: skipping %s: %v", name, err)
			continue
		}
		s.blobs[id] = blob
	}
	return nil
}

func (s *FileStore) writer() {
	defer s.wg.Done()
	for job := range s.jobs {
		var err error
		switch job.op {
		case opWrite:
			err = s.writeFile(job.id, job.blob)
		case opDelete:
			err = removeIfExists(s.path(job.id))
		case opClear:
			err = s.removeAll()
		}
		if err != nil {
			log.Printf("statestore: %v", err)
		}
	}
}

func (s *FileStore) writeFile(id uuid.UUID, blob []byte) error {
	tmp, err := os.CreateTemp(s.dir, id.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", id, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing snapshot for %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("syncing snapshot for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing snapshot for %s: %w", id, err)
	}
	if err := os.Rename(name, s.path(id)); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming snapshot for %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) removeAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("clearing state directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), stateSuffix) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				log.Printf("statestore: clearing %s: %v", entry.Name(), err)
			}
		}
	}
	return nil
}

func (s *FileStore) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+stateSuffix)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Put(ctx context.Context, id uuid.UUID, blob []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	stored := append([]byte(nil), blob...)
	s.blobs[id] = stored
	// Enqueue under the lock so Close cannot close the channel between
	// the closed check and the send.
	s.jobs <- fileJob{op: opWrite, id: id, blob: stored}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	blob, ok := s.blobs[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (s *FileStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delete(s.blobs, id)
	s.jobs <- fileJob{op: opDelete, id: id}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]uuid.UUID, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.blobs = make(map[uuid.UUID][]byte)
	s.jobs <- fileJob{op: opClear}
	s.mu.Unlock()
	return nil
}

// Close drains pending disk writes and stops the writer.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.wg.Wait()
	return nil
}
