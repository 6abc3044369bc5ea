package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/user/agentrail/internal/types"
)

// Snapshot is the denormalized per-session rollup. It is a cache and can
// always be rebuilt from the log.
type Snapshot struct {
	SessionID        types.SessionID    `json:"session_id"`
	Goal             string             `json:"goal"`
	Outcome          string             `json:"outcome,omitempty"`
	Status           string             `json:"status"`
	EventCount       int                `json:"event_count"`
	IntentCount      int                `json:"intent_count"`
	VerificationPass int                `json:"verification_pass"`
	VerificationFail int                `json:"verification_fail"`
	FilesTouched     []string           `json:"files_touched"`
	KindCounts       map[types.Kind]int `json:"kind_counts"`
	EstimatedTokens  int                `json:"estimated_tokens"`
	FirstEventAt     *time.Time         `json:"first_event_at,omitempty"`
	LastEventAt      *time.Time         `json:"last_event_at,omitempty"`
	LastSeq          int64              `json:"last_seq"`
	GeneratedAt      time.Time          `json:"generated_at"`
	SchemaVersion    int                `json:"schema_version"`
}

// BuildSnapshot folds an ordered event log into a rollup.
func BuildSnapshot(meta *types.SessionMeta, events []*types.CanonicalEvent, counter TokenCounter) *Snapshot {
	snap := &Snapshot{
		KindCounts:    make(map[types.Kind]int),
		FilesTouched:  []string{},
		Status:        types.SessionStatusActive,
		SchemaVersion: types.SchemaVersion,
	}
	if meta != nil {
		snap.SessionID = meta.SessionID
		snap.Goal = meta.Goal
		snap.Status = meta.Status
	}
	files := make(map[string]bool)
	for _, ev := range events {
		snap.EventCount++
		snap.KindCounts[ev.Kind]++
		snap.LastSeq = ev.Seq
		if snap.SessionID == "" {
			snap.SessionID = ev.SessionID
		}
		ts := ev.TS
		if snap.FirstEventAt == nil || ts.Before(*snap.FirstEventAt) {
			snap.FirstEventAt = &ts
		}
		if snap.LastEventAt == nil || ts.After(*snap.LastEventAt) {
			snap.LastEventAt = &ts
		}
		if ev.Scope != nil && ev.Scope.File != "" {
			files[ev.Scope.File] = true
		}

		switch ev.Kind {
		case types.KindSessionStart:
			if goal, _ := ev.Payload["goal"].(string); goal != "" && snap.Goal == "" {
				snap.Goal = goal
			}
		case types.KindIntent:
			snap.IntentCount++
		case types.KindSessionEnd:
			if outcome, _ := ev.Payload["outcome"].(string); outcome != "" {
				snap.Outcome = outcome
			}
		case types.KindFileOp:
			if path, _ := ev.Payload["path"].(string); path != "" {
				files[path] = true
			}
		case types.KindVerification:
			switch ev.Payload["result"] {
			case types.VerificationPass:
				snap.VerificationPass++
			case types.VerificationFail:
				snap.VerificationFail++
			}
		}
		if counter != nil {
			snap.EstimatedTokens += counter.Count(eventText(ev))
		}
	}
	for f := range files {
		snap.FilesTouched = append(snap.FilesTouched, f)
	}
	sort.Strings(snap.FilesTouched)
	return snap
}

// eventText joins the free-text payload fields that count toward the
// transcript's size.
func eventText(ev *types.CanonicalEvent) string {
	var parts []string
	for _, key := range []string{"text", "content", "input", "output", "summary", "rationale", "detail"} {
		if s, ok := ev.Payload[key].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// RebuildSnapshot replays the session log and rewrites its snapshot file.
func (s *EventStore) RebuildSnapshot(ctx context.Context, id types.SessionID) (*Snapshot, error) {
	meta, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.ReadSessionEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := BuildSnapshot(meta, events, s.counter)
	snap.GeneratedAt = s.now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileAtomic(s.snapshotPath(id), data, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	return snap, nil
}

// ReadSnapshot loads the cached snapshot for id.
func (s *EventStore) ReadSnapshot(_ context.Context, id types.SessionID) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no snapshot for %s", types.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
