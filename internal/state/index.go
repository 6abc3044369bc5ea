package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentrail/internal/types"
)

// Index is the JSON session catalog at sessions/index.json. Every write
// reloads the file under its lock so a CLI ingest and a running watcher
// see each other's sessions.
type Index struct {
	path string
	mu   sync.RWMutex
}

// NewIndex creates an index rooted at the given data directory.
func NewIndex(root string) *Index {
	return &Index{path: filepath.Join(root, "sessions", "index.json")}
}

func (x *Index) load() (map[types.SessionID]*types.SessionMeta, error) {
	data, err := os.ReadFile(x.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.SessionMeta), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.SessionMeta
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}
	index := make(map[types.SessionID]*types.SessionMeta, len(sessions))
	for _, meta := range sessions {
		index[meta.SessionID] = meta
	}
	return index, nil
}

func (x *Index) save(index map[types.SessionID]*types.SessionMeta) error {
	sessions := make([]*types.SessionMeta, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := writeFileAtomic(x.path, data, 0o644); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

// update applies fn to the freshly loaded index and saves the result.
func (x *Index) update(fn func(map[types.SessionID]*types.SessionMeta) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return withFileLock(x.path, func() error {
		index, err := x.load()
		if err != nil {
			return err
		}
		if err := fn(index); err != nil {
			return err
		}
		return x.save(index)
	})
}

// Put inserts or replaces a session record.
func (x *Index) Put(_ context.Context, meta types.SessionMeta) error {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	return x.update(func(index map[types.SessionID]*types.SessionMeta) error {
		index[meta.SessionID] = &meta
		return nil
	})
}

// Update mutates an existing record. Returns ErrSessionNotFound when the
// id is unknown.
func (x *Index) Update(_ context.Context, id types.SessionID, fn func(*types.SessionMeta)) error {
	return x.update(func(index map[types.SessionID]*types.SessionMeta) error {
		meta, ok := index[id]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
		}
		fn(meta)
		meta.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Get returns the record for id.
func (x *Index) Get(_ context.Context, id types.SessionID) (*types.SessionMeta, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	index, err := x.load()
	if err != nil {
		return nil, err
	}
	meta, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return meta, nil
}

// List returns every record, most recently started first.
func (x *Index) List(_ context.Context) ([]*types.SessionMeta, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	index, err := x.load()
	if err != nil {
		return nil, err
	}
	sessions := make([]*types.SessionMeta, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions, nil
}
