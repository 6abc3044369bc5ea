//go:build integration

package ingest_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/user/agentrail/internal/adapter"
	"github.com/user/agentrail/internal/ingest"
	"github.com/user/agentrail/internal/resolve"
	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/tokens"
	"github.com/user/agentrail/internal/types"
	"github.com/user/agentrail/internal/watcher"
)

func TestLiveThenImport(t *testing.T) {
	dir := t.TempDir()
	estimator, _ := tokens.New(tokens.Options{})
	store, err := state.NewEventStore(filepath.Join(dir, "data"), state.Options{Tokens: estimator})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	// Live path: a fragment opens the session.
	w, err := watcher.New(filepath.Join(dir, "inbox"), store, watcher.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	fragment := `{"session_id":"live-42","user_message":"Fix bug","events":[
	  {"type":"tool_call","payload":{"tool":"run_tests","direction":"invocation"}}
	]}`
	if err := os.WriteFile(filepath.Join(w.Dir(), "a.json"), []byte(fragment), 0o644); err != nil {
		t.Fatal(err)
	}
	if stats := w.Scan(ctx); stats.Processed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// Import path: the agent's own transcript of the same session.
	engine := ingest.New(adapter.Default(adapter.Options{}), store, resolve.New(store, resolve.Options{}))
	transcript := "<user_query>Fix bug</user_query>\nTool call: run_tests\nTool result: passed\n"
	res, err := engine.Ingest(ctx, []byte(transcript), ingest.Options{MergeSessionID: "live-42"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MergeStrategy != resolve.StrategyExplicitMerge {
		t.Errorf("strategy = %s", res.MergeStrategy)
	}

	events, err := store.ReadSessionEvents(ctx, "live-42")
	if err != nil {
		t.Fatal(err)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq %d at position %d", ev.Seq, i)
		}
	}
	if len(events) != 3+res.Inserted {
		t.Errorf("expected %d events, got %d", 3+res.Inserted, len(events))
	}
	// The turn recorded live is recognized, not stored again.
	if res.Inserted != 2 || res.SkippedDuplicates != 3 {
		t.Errorf("inserted=%d skipped=%d, want 2 and 3", res.Inserted, res.SkippedDuplicates)
	}
	counts := make(map[types.Kind]int)
	invocations := 0
	for _, ev := range events {
		counts[ev.Kind]++
		if ev.Kind == types.KindToolCall && ev.Payload["direction"] == types.DirectionInvocation {
			invocations++
		}
	}
	if counts[types.KindSessionStart] != 1 || counts[types.KindIntent] != 1 || invocations != 1 {
		t.Errorf("duplicates stored: kinds=%v invocations=%d", counts, invocations)
	}

	snap, err := store.RebuildSnapshot(ctx, "live-42")
	if err != nil {
		t.Fatal(err)
	}
	if snap.EventCount != len(events) || snap.EstimatedTokens == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestConcurrentImports(t *testing.T) {
	store, err := state.NewEventStore(t.TempDir(), state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	engine := ingest.New(adapter.Default(adapter.Options{}), store, resolve.New(store, resolve.Options{}))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]*ingest.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content := fmt.Sprintf("<user_query>task %d: %s</user_query>\nTool call: step_%d\n", i, "unique words", i)
			results[i], errs[i] = engine.Ingest(ctx, []byte(content), ingest.Options{Adapter: "tagged"})
		}()
	}
	wg.Wait()

	total := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		total += results[i].Inserted
	}

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stored := 0
	ids := make(map[types.EventID]bool)
	for _, s := range sessions {
		events, err := store.ReadSessionEvents(ctx, s.SessionID)
		if err != nil {
			t.Fatal(err)
		}
		for i, ev := range events {
			if ev.Seq != int64(i+1) {
				t.Fatalf("session %s: seq %d at position %d", s.SessionID, ev.Seq, i)
			}
			if ids[ev.ID] {
				t.Fatalf("duplicate id %s", ev.ID)
			}
			ids[ev.ID] = true
		}
		stored += len(events)
	}
	if stored != total {
		t.Errorf("stored %d events, inserted %d", stored, total)
	}
}
