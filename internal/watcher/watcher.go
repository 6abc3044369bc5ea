// Package watcher feeds fragment files dropped into a directory through the
// live append path. Files are moved to processed/ once applied and left in
// place on failure, to be retried by the next rescan.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/types"
)

const (
	DefaultSchedule = "@every 30s"
	DefaultDebounce = 500 * time.Millisecond

	processedDir = "processed"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Store is the event store surface the watcher writes through.
type Store interface {
	types.EventLog
	Get(ctx context.Context, id types.SessionID) (*types.SessionMeta, error)
	RebuildSnapshot(ctx context.Context, id types.SessionID) (*state.Snapshot, error)
}

type Options struct {
	// Schedule is the rescan cron expression.
	Schedule   string
	Debounce   time.Duration
	Retry      *RetryPolicy
	MaxTextLen int
	Now        func() time.Time
}

// Stats summarizes one scan.
type Stats struct {
	Processed int
	Failed    int
	Deferred  int
}

type Watcher struct {
	dir      string
	store    Store
	opts     Options
	failures *failures
	scanMu   sync.Mutex
	logger   *slog.Logger
}

func New(dir string, store Store, opts Options) (*Watcher, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid rescan schedule %q: %w", opts.Schedule, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		opts:     opts,
		failures: newFailures(opts.Retry),
		logger:   slog.Default().With("component", "watcher", "dir", dir),
	}, nil
}

func (w *Watcher) Dir() string { return w.dir }

// Run scans once, then rescans on filesystem events (debounced) and on the
// cron schedule until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, processedDir), 0o755); err != nil {
		return fmt.Errorf("create drop dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(w.opts.Schedule, func() {
		w.logger.Debug("rescan")
		w.Scan(ctx)
	}); err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	w.logger.Info("watching for fragments", "schedule", w.opts.Schedule, "debounce", w.opts.Debounce)
	w.Scan(ctx)

	var (
		timerMu       sync.Mutex
		debounceTimer *time.Timer
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.opts.Debounce, func() { w.Scan(ctx) })
	}
	defer func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if isFragment(event.Name) && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				trigger()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Backlog counts fragment files still waiting in dir and those already
// archived under processed/. A missing directory counts as empty.
func Backlog(dir string) (pending, archived int, err error) {
	count := func(d string) (int, error) {
		entries, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, err
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && isFragment(entry.Name()) {
				n++
			}
		}
		return n, nil
	}
	if pending, err = count(dir); err != nil {
		return 0, 0, fmt.Errorf("read drop dir: %w", err)
	}
	if archived, err = count(filepath.Join(dir, processedDir)); err != nil {
		return 0, 0, fmt.Errorf("read processed dir: %w", err)
	}
	return pending, archived, nil
}

func isFragment(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(filepath.Base(name), ".")
}

// Scan processes every due fragment in name order. Concurrent calls are
// serialized.
func (w *Watcher) Scan(ctx context.Context) Stats {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	var stats Stats
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("read drop dir", "error", err)
		return stats
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || !isFragment(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		now := w.opts.Now()
		if !w.failures.due(path, info.ModTime(), now) {
			stats.Deferred++
			continue
		}
		if err := w.ProcessFile(ctx, path); err != nil {
			next := w.failures.record(path, info.ModTime(), now, err)
			stats.Failed++
			attrs := []any{
				"file", entry.Name(),
				"stage", types.StageOf(err),
				"attempts", w.failures.attempts(path),
				"error", err,
			}
			if next.IsZero() {
				w.logger.Warn("fragment rejected, waiting for the file to change", attrs...)
			} else {
				w.logger.Warn("fragment failed, will retry", append(attrs, "next_attempt", next)...)
			}
			continue
		}
		w.failures.clear(path)
		stats.Processed++
	}
	return stats
}

// ProcessFile applies one fragment and archives it. On error the file is
// left where it is.
func (w *Watcher) ProcessFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WithStage(types.StagePersistence, fmt.Errorf("read fragment: %w", err))
	}
	frag, err := ParseFragment(data)
	if err != nil {
		return types.WithStage(stageOr(err, types.StageParse), err)
	}
	if err := w.Apply(ctx, frag); err != nil {
		return types.WithStage(stageOr(err, types.StagePersistence), err)
	}
	return w.archive(path)
}

func stageOr(err error, fallback types.Stage) types.Stage {
	if s := types.StageOf(err); s != "" && s != types.StageResolve {
		return s
	}
	return fallback
}

// Apply writes a parsed fragment through the live path. Unknown sessions
// are created under the fragment's id. A session_end marker ends the
// session and regenerates its snapshot instead of being stored.
func (w *Watcher) Apply(ctx context.Context, frag *Fragment) error {
	now := w.opts.Now().UTC()
	id := frag.SessionID

	_, err := w.store.Get(ctx, id)
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		if err := w.open(ctx, frag, now); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("lookup session %s: %w", id, err)
	}

	if text := strings.TrimSpace(frag.UserMessage); text != "" {
		if err := w.appendIntent(ctx, id, text); err != nil {
			return err
		}
	}

	for i, ev := range frag.Events {
		if ev.endMarker() {
			continue
		}
		in, err := ev.input()
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if _, err := w.store.Append(ctx, id, in, types.PathLive); err != nil {
			return fmt.Errorf("append event %d (%s): %w", i, in.Kind, err)
		}
	}

	if endedAt, ok := frag.endedAt(now); ok {
		if err := w.store.EndSession(ctx, id, endedAt); err != nil {
			return fmt.Errorf("end session %s: %w", id, err)
		}
		if _, err := w.store.RebuildSnapshot(ctx, id); err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
		w.logger.Info("session ended", "session_id", id)
	}
	return nil
}

func (w *Watcher) open(ctx context.Context, frag *Fragment, now time.Time) error {
	startedAt := frag.startedAt(now)
	meta := types.SessionMeta{
		SessionID:  frag.SessionID,
		Goal:       types.Truncate(frag.goal(), 200),
		UserPrompt: w.truncate(strings.TrimSpace(frag.UserMessage)),
		Source:     fragmentSource,
		StartedAt:  startedAt,
	}
	if _, err := w.store.CreateSession(ctx, meta); err != nil {
		return fmt.Errorf("create session %s: %w", frag.SessionID, err)
	}
	payload := map[string]any{"goal": meta.Goal, "source": fragmentSource}
	if meta.UserPrompt != "" {
		payload["user_prompt"] = meta.UserPrompt
	}
	if t := strings.TrimSpace(frag.Title); t != "" {
		payload["title"] = t
	}
	_, err := w.store.Append(ctx, frag.SessionID, types.EventInput{
		Kind:    types.KindSessionStart,
		TS:      startedAt.Format(time.RFC3339Nano),
		Actor:   types.Actor{Type: types.ActorSystem},
		Payload: payload,
	}, types.PathLive)
	if err != nil {
		return fmt.Errorf("append session_start: %w", err)
	}
	w.logger.Info("session opened", "session_id", frag.SessionID)
	return nil
}

// appendIntent records the fragment's user message. The intent id uses
// the same ordinal an adapter would give this text: how many earlier
// intents in the session carry it. A later import of the agent's own
// transcript then dedups against it.
func (w *Watcher) appendIntent(ctx context.Context, id types.SessionID, text string) error {
	events, err := w.store.ReadSessionEvents(ctx, id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	stored := w.truncate(text)
	norm := types.NormalizeText(stored)
	ordinal := 0
	for _, ev := range events {
		if ev.Kind != types.KindIntent {
			continue
		}
		if prior, ok := ev.Payload["text"].(string); ok && types.NormalizeText(prior) == norm {
			ordinal++
		}
	}
	intentID := types.NewIntentID(text, ordinal)
	_, err = w.store.Append(ctx, id, types.EventInput{
		Kind:    types.KindIntent,
		Actor:   types.Actor{Type: types.ActorUser},
		Scope:   &types.Scope{IntentID: intentID},
		Payload: map[string]any{"intent_id": string(intentID), "text": stored},
	}, types.PathLive)
	if err != nil {
		return fmt.Errorf("append intent: %w", err)
	}
	return nil
}

func (w *Watcher) truncate(s string) string {
	return types.Truncate(s, w.opts.MaxTextLen)
}

// archive moves a processed file into processed/, never overwriting an
// earlier file of the same name.
func (w *Watcher) archive(path string) error {
	dir := filepath.Join(w.dir, processedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.WithStage(types.StagePersistence, fmt.Errorf("create processed dir: %w", err))
	}
	base := filepath.Base(path)
	dest := filepath.Join(dir, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		dest = filepath.Join(dir, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(base, ext), w.opts.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return types.WithStage(types.StagePersistence, fmt.Errorf("archive fragment: %w", err))
	}
	return nil
}
