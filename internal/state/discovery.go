package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentrail/internal/types"
)

const discoveryConcurrency = 8

// SessionFile describes one session log on disk.
type SessionFile struct {
	ID         types.SessionID `json:"id"`
	Path       string          `json:"path"`
	ModifiedAt time.Time       `json:"modified_at"`
	StartedAt  time.Time       `json:"started_at"`
}

// ListSessionFiles returns every session log, newest-modified first.
// StartedAt comes from the epoch embedded in the file name, falling back
// to the modification time for logs that predate the naming scheme.
func (s *EventStore) ListSessionFiles(ctx context.Context) ([]SessionFile, error) {
	return ListSessionFiles(ctx, s.sessionsDir())
}

// ListSessionFiles scans dir for *.jsonl session logs.
func ListSessionFiles(ctx context.Context, dir string) ([]SessionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		names = append(names, e.Name())
	}

	files := make([]SessionFile, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", name, err)
			}
			id := strings.TrimSuffix(name, ".jsonl")
			started, ok := types.SessionEpoch(id)
			if !ok {
				started = info.ModTime().UTC()
			}
			files[i] = SessionFile{
				ID:         types.SessionID(id),
				Path:       path,
				ModifiedAt: info.ModTime().UTC(),
				StartedAt:  started,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].ModifiedAt.After(files[j].ModifiedAt)
		}
		return files[i].ID < files[j].ID
	})
	return files, nil
}
