// Package queue is the durable spawn queue. Each pending spawn request is
// its own JSON file, so entries are created and removed independently and a
// torn write can only ever affect the entry being written.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mpataki/antfarm/internal/models"
)

var (
	// ErrNotFound is returned for an entry id that is not queued.
	ErrNotFound = errors.New("queue entry not found")

	// ErrAlreadyQueued is returned by EnqueueUnique when a live request
	// exists for the same run and step.
	ErrAlreadyQueued = errors.New("spawn already queued")
)

const (
	entryExt = ".json"
	lockFile = ".lock"
)

var entryIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

type Queue struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	// mu serialises mutations within the process, flock across processes
	// sharing dir.
	mu       sync.Mutex
	flock    *flock.Flock
	lastNano int64
}

// Open returns the queue stored in dir, creating the directory if needed.
func Open(dir string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		flock:  flock.New(filepath.Join(dir, lockFile)),
	}, nil
}

func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue persists req and returns its entry id. Ids sort in insertion order.
func (q *Queue) Enqueue(req models.SpawnRequest) (string, error) {
	unlock, err := q.lock()
	if err != nil {
		return "", err
	}
	defer unlock()
	return q.enqueueLocked(req)
}

// EnqueueUnique enqueues req unless an entry for the same run and step is
// already queued. The check and the write happen under the queue lock, so
// this holds across processes using the same directory.
func (q *Queue) EnqueueUnique(req models.SpawnRequest) (string, error) {
	unlock, err := q.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, err := q.find(req.RunID, req.StepIndex)
	if err == nil {
		return existing.EntryID, fmt.Errorf("%w: run %s step %d (entry %s)", ErrAlreadyQueued, req.RunID, req.StepIndex, existing.EntryID)
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return q.enqueueLocked(req)
}

// List returns queued requests in insertion order. Entries that cannot be
// read are logged and skipped.
func (q *Queue) List() ([]models.SpawnRequest, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, entryExt) || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	reqs := make([]models.SpawnRequest, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, entryExt)
		req, err := q.read(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// removed between ReadDir and read
				continue
			}
			q.logger.Warn("skipping unreadable queue entry", "entry_id", id, "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Get returns a single queued request.
func (q *Queue) Get(entryID string) (models.SpawnRequest, error) {
	id, err := normalizeID(entryID)
	if err != nil {
		return models.SpawnRequest{}, err
	}
	return q.read(id)
}

// Find returns the queued request for a run's step.
func (q *Queue) Find(runID string, step int) (models.SpawnRequest, error) {
	return q.find(runID, step)
}

// Update rewrites an existing entry, typically to record a failed attempt.
func (q *Queue) Update(req models.SpawnRequest) error {
	id, err := normalizeID(req.EntryID)
	if err != nil {
		return err
	}

	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(q.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return writeJSONAtomic(q.path(id), req)
}

// Remove deletes an entry. Removing an entry that is not queued returns
// ErrNotFound and changes nothing.
func (q *Queue) Remove(entryID string) error {
	id, err := normalizeID(entryID)
	if err != nil {
		return err
	}

	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(q.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	return nil
}

// lock takes the in-process mutex and then the directory lock. The caller
// must run the returned func to release both.
func (q *Queue) lock() (func(), error) {
	q.mu.Lock()
	if err := q.flock.Lock(); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("lock queue dir: %w", err)
	}
	return func() {
		if err := q.flock.Unlock(); err != nil {
			q.logger.Warn("failed to release queue lock", "error", err)
		}
		q.mu.Unlock()
	}, nil
}

func (q *Queue) enqueueLocked(req models.SpawnRequest) (string, error) {
	now := q.now()
	nano := now.UnixNano()
	if nano <= q.lastNano {
		nano = q.lastNano + 1
	}
	q.lastNano = nano

	id := fmt.Sprintf("%020d-%s", nano, uuid.NewString()[:8])
	req.EntryID = id
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now.UTC()
	}

	if err := writeJSONAtomic(q.path(id), req); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) find(runID string, step int) (models.SpawnRequest, error) {
	reqs, err := q.List()
	if err != nil {
		return models.SpawnRequest{}, err
	}
	for _, req := range reqs {
		if req.RunID == runID && req.StepIndex == step {
			return req, nil
		}
	}
	return models.SpawnRequest{}, fmt.Errorf("%w: run %s step %d", ErrNotFound, runID, step)
}

func (q *Queue) read(id string) (models.SpawnRequest, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return models.SpawnRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.SpawnRequest{}, fmt.Errorf("read entry %s: %w", id, err)
	}

	var req models.SpawnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return models.SpawnRequest{}, fmt.Errorf("parse entry %s: %w", id, err)
	}
	req.EntryID = id
	return req, nil
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+entryExt)
}

// normalizeID accepts an id with or without the file extension and rejects
// anything that could name a file outside the queue directory.
func normalizeID(entryID string) (string, error) {
	id := strings.TrimSuffix(strings.TrimSpace(entryID), entryExt)
	if !entryIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: invalid entry id %q", ErrNotFound, entryID)
	}
	return id, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
