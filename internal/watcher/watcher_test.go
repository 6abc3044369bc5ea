package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/types"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestWatcher(t *testing.T) (*Watcher, *state.EventStore, *testClock) {
	t.Helper()
	store, err := state.NewEventStore(t.TempDir(), state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &testClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	w, err := New(t.TempDir(), store, Options{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	return w, store, clock
}

func drop(t *testing.T, w *Watcher, name, content string) string {
	t.Helper()
	path := filepath.Join(w.Dir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readKinds(t *testing.T, store *state.EventStore, id types.SessionID) []types.Kind {
	t.Helper()
	events, err := store.ReadSessionEvents(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]types.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

const openFragment = `{
  "session_id": "live-1",
  "started_at": "2025-06-01T09:59:00Z",
  "title": "Refactor auth",
  "user_message": "Split the auth middleware",
  "events": [
    {"type": "artifact_created", "payload": {"artifact_type": "message", "content": "On it"}},
    {"kind": "tool_call", "ts": "2025-06-01T09:59:30Z", "payload": {"tool": "grep", "direction": "invocation", "input": "auth"}}
  ]
}`

func TestScanAppliesFragments(t *testing.T) {
	w, store, _ := newTestWatcher(t)
	ctx := context.Background()

	path := drop(t, w, "001.json", openFragment)
	stats := w.Scan(ctx)
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("processed file should be moved")
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), "processed", "001.json")); err != nil {
		t.Errorf("expected archived file: %v", err)
	}

	meta, err := store.Get(ctx, "live-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Goal != "Refactor auth" || meta.Source != "live" || meta.UserPrompt != "Split the auth middleware" {
		t.Errorf("meta = %+v", meta)
	}

	events, err := store.ReadSessionEvents(ctx, "live-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Kind{types.KindSessionStart, types.KindIntent, types.KindArtifactCreated, types.KindToolCall}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	intent := events[1].IntentID()
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind, want[i])
		}
		if ev.Derived || ev.Confidence != 1.0 {
			t.Errorf("event %d: derived=%v confidence=%v", i, ev.Derived, ev.Confidence)
		}
		if i >= 2 && ev.IntentID() != intent {
			t.Errorf("event %d should inherit the active intent", i)
		}
	}
	if events[0].TS.Format(time.RFC3339) != "2025-06-01T09:59:00Z" {
		t.Errorf("session_start ts = %s", events[0].TS)
	}
}

func TestSessionEndMarker(t *testing.T) {
	w, store, _ := newTestWatcher(t)
	ctx := context.Background()

	drop(t, w, "001.json", openFragment)
	drop(t, w, "002.json", `{"session_id":"live-1","events":[
	  {"type":"artifact_created","payload":{"artifact_type":"message","content":"Done"}},
	  {"type":"session_end","ts":"2025-06-01T10:30:00Z"}
	]}`)
	if stats := w.Scan(ctx); stats.Processed != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	kinds := readKinds(t, store, "live-1")
	for _, k := range kinds {
		if k == types.KindSessionEnd {
			t.Fatal("session_end marker must not be stored")
		}
	}
	if len(kinds) != 5 {
		t.Errorf("kinds = %v", kinds)
	}

	meta, err := store.Get(ctx, "live-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != types.SessionStatusEnded || meta.EndedAt == nil || meta.EndedAt.Format(time.RFC3339) != "2025-06-01T10:30:00Z" {
		t.Errorf("meta = %+v", meta)
	}
	snap, err := store.ReadSnapshot(ctx, "live-1")
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if snap.EventCount != 5 || snap.Status != types.SessionStatusEnded {
		t.Errorf("snapshot = %+v", snap)
	}

	// Live appends after the end are rejected and the file stays put.
	late := drop(t, w, "003.json", `{"session_id":"live-1","events":[{"type":"artifact_created","payload":{"artifact_type":"message","content":"late"}}]}`)
	if stats := w.Scan(ctx); stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(late); err != nil {
		t.Errorf("failed fragment must be left in place: %v", err)
	}
}

func TestRejectedFragmentWaitsForChange(t *testing.T) {
	w, store, clock := newTestWatcher(t)
	ctx := context.Background()

	path := drop(t, w, "bad.json", `{"session_id":"live-2","events":[{"type":"tool_call","payload":{"tool":"ls"}}]}`)
	if stats := w.Scan(ctx); stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := store.Get(ctx, "live-2"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Error("a rejected fragment must not create a session")
	}

	// Not retried while unchanged, however long we wait.
	clock.now = clock.now.Add(time.Hour)
	if stats := w.Scan(ctx); stats.Deferred != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// Fixing the file makes it due again.
	if err := os.WriteFile(path, []byte(`{"session_id":"live-2","events":[{"type":"tool_call","payload":{"tool":"ls","direction":"invocation"}}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if stats := w.Scan(ctx); stats.Processed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestParseFragment(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		stage types.Stage
	}{
		{"malformed", `{"session_id":`, types.StageParse},
		{"missing id", `{"events":[]}`, types.StageParse},
		{"bad started_at", `{"session_id":"s","started_at":"noon"}`, types.StageValidation},
		{"unknown kind", `{"session_id":"s","events":[{"type":"chat"}]}`, types.StageValidation},
		{"unknown actor", `{"session_id":"s","events":[{"type":"decision","actor":{"type":"robot"},"payload":{"summary":"x"}}]}`, types.StageValidation},
		{"bad payload", `{"session_id":"s","events":[{"type":"intent","payload":{"text":"x"}}]}`, types.StageValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFragment([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.StageOf(err); got != tt.stage {
				t.Errorf("stage = %s, want %s (%v)", got, tt.stage, err)
			}
		})
	}

	f, err := ParseFragment([]byte(`{"session_id":"s","events":[{"type":"session_end"},{"type":"token_usage_checkpoint","payload":{"input_tokens":10}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Events[0].endMarker() || f.Events[1].endMarker() {
		t.Error("end marker detection")
	}
	if f.goal() != "Live session s" {
		t.Errorf("goal = %q", f.goal())
	}
}

func TestArchiveKeepsEarlierFiles(t *testing.T) {
	w, store, clock := newTestWatcher(t)
	ctx := context.Background()

	drop(t, w, "same.json", `{"session_id":"live-3","user_message":"first"}`)
	w.Scan(ctx)
	clock.now = clock.now.Add(time.Second)
	drop(t, w, "same.json", `{"session_id":"live-3","user_message":"second"}`)
	w.Scan(ctx)

	entries, err := os.ReadDir(filepath.Join(w.Dir(), "processed"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 archived files, got %d", len(entries))
	}

	events, err := store.ReadSessionEvents(ctx, "live-3")
	if err != nil {
		t.Fatal(err)
	}
	// session_start plus two intents with distinct ids.
	if len(events) != 3 || events[1].IntentID() == events[2].IntentID() {
		t.Errorf("unexpected events: %d", len(events))
	}
}

func TestRunPicksUpDrops(t *testing.T) {
	store, err := state.NewEventStore(t.TempDir(), state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	w, err := New(t.TempDir(), store, Options{Debounce: 20 * time.Millisecond, Schedule: "@every 1h"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait for the processed dir, which Run creates before watching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(w.Dir(), "processed")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	drop(t, w, "live.json", `{"session_id":"live-run","user_message":"hello"}`)

	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, err := store.Get(context.Background(), "live-run"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fragment was not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(t.TempDir(), nil, Options{Schedule: "whenever"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRepeatedMessageOrdinals(t *testing.T) {
	w, store, _ := newTestWatcher(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		frag, err := ParseFragment([]byte(`{"session_id":"live-4","user_message":"Run the tests again"}`))
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Apply(ctx, frag); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.ReadSessionEvents(ctx, "live-4")
	if err != nil {
		t.Fatal(err)
	}
	var got []types.IntentID
	for _, ev := range events {
		if ev.Kind == types.KindIntent {
			got = append(got, ev.IntentID())
		}
	}
	want := []types.IntentID{
		types.NewIntentID("Run the tests again", 0),
		types.NewIntentID("Run the tests again", 1),
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("intent ids = %v, want %v", got, want)
	}
}

func TestBacklog(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	ctx := context.Background()

	if pending, archived, err := Backlog(filepath.Join(t.TempDir(), "missing")); err != nil || pending != 0 || archived != 0 {
		t.Fatalf("missing dir: %d %d %v", pending, archived, err)
	}

	drop(t, w, "a.json", `{"session_id":"live-5","user_message":"one"}`)
	drop(t, w, "b.json", `{not json`)
	drop(t, w, "notes.txt", "ignored")
	drop(t, w, ".hidden.json", "{}")
	w.Scan(ctx)

	pending, archived, err := Backlog(w.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 || archived != 1 {
		t.Errorf("pending=%d archived=%d, want 1 and 1", pending, archived)
	}
}
