// Package attachments maps opaque attachment IDs to files on disk. Only the
// opaque ID ever crosses a trust boundary; entries expire after a TTL and the
// sweep removes both the record and the file.
package attachments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// ErrNotFound is returned for unknown or expired attachment IDs.
var ErrNotFound = errors.New("attachment not found")

// Entry is the public attachment metadata.
type Entry struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type record struct {
	Entry
	path string
}

// Store keeps the id → file mapping with TTL-based expiry.
type Store struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*record

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore creates the attachment directory and starts the sweep loop.
func NewStore(dir string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		ttl:     ttl,
		logger:  logger.Named("attachments"),
		entries: make(map[string]*record),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop(DefaultSweepInterval)
	return s, nil
}

// Put streams content to disk under a fresh opaque ID.
func (s *Store) Put(r io.Reader, filename, mime string) (*Entry, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create attachment file: %w", err)
	}
	size, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	rec := &record{
		Entry: Entry{ID: id, Filename: filename, MIME: mime, Size: size, CreatedAt: time.Now().UTC()},
		path:  path,
	}
	s.mu.Lock()
	s.entries[id] = rec
	s.mu.Unlock()
	return &rec.Entry, nil
}

// Get returns the metadata for an unexpired entry.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := rec.Entry
	return &e, nil
}

// Open opens the underlying file for reading. The path never leaves this
// package.
func (s *Store) Open(id string) (io.ReadCloser, *Entry, error) {
	s.mu.Lock()
	rec, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(rec.path)
	if err != nil {
		return nil, nil, err
	}
	e := rec.Entry
	return f, &e, nil
}

// Remove deletes an entry and its file.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	rec, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return os.Remove(rec.path)
}

// Sweep removes expired entries and any orphaned files in the directory.
func (s *Store) Sweep() {
	cutoff := time.Now().UTC().Add(-s.ttl)

	s.mu.Lock()
	known := make(map[string]bool, len(s.entries))
	var expired []*record
	for id, rec := range s.entries {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, rec)
			delete(s.entries, id)
			continue
		}
		known[id] = true
	}
	s.mu.Unlock()

	for _, rec := range expired {
		if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove expired attachment", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	// Orphans: files with no in-memory record (e.g. left by a crash).
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range dirents {
		if de.IsDir() || known[de.Name()] {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, de.Name()))
	}
}

// Close stops the sweep loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}
