package watcher

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/user/agentrail/internal/types"
)

func TestNextDelay(t *testing.T) {
	p := &RetryPolicy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"disk", errors.New("write: no space left on device"), true},
		{"persistence stage", types.WithStage(types.StagePersistence, errors.New("lock timeout")), true},
		{"parse", &types.ParseError{Adapter: "fragment", Reason: "malformed JSON"}, false},
		{"schema", fmt.Errorf("event 0: %w", &types.SchemaValidationError{Reason: "x"}), false},
		{"closed", types.WithStage(types.StagePersistence, &types.SessionClosedError{SessionID: "s"}), false},
		{"corrupt", &types.CorruptLogError{Path: "p", Line: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailuresBackoff(t *testing.T) {
	f := newFailures(&RetryPolicy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mod := now.Add(-time.Hour)
	transient := errors.New("device busy")

	if !f.due("a.json", mod, now) {
		t.Fatal("unknown file should be due")
	}
	next := f.record("a.json", mod, now, transient)
	if !next.Equal(now.Add(time.Second)) {
		t.Errorf("first retry at %v", next)
	}
	if f.due("a.json", mod, now.Add(500*time.Millisecond)) {
		t.Error("should wait for backoff")
	}
	if !f.due("a.json", mod, next) {
		t.Error("should be due at next attempt")
	}
	next = f.record("a.json", mod, next, transient)
	if !next.Equal(now.Add(3 * time.Second)) {
		t.Errorf("second retry at %v", next)
	}
	if f.attempts("a.json") != 2 {
		t.Errorf("attempts = %d", f.attempts("a.json"))
	}

	// A changed file starts over.
	if !f.due("a.json", mod.Add(time.Second), now) {
		t.Error("modified file should be due")
	}
	if f.attempts("a.json") != 0 {
		t.Error("modification should reset attempts")
	}

	if next := f.record("b.json", mod, now, &types.ParseError{Adapter: "fragment", Reason: "bad"}); !next.IsZero() {
		t.Error("permanent failures have no next attempt")
	}
	if f.due("b.json", mod, now.Add(24*time.Hour)) {
		t.Error("permanent failure should wait for a change")
	}
	f.clear("b.json")
	if !f.due("b.json", mod, now) {
		t.Error("cleared file should be due")
	}
}
