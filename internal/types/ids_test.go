// internal/types/ids_test.go
package types

import (
	"strings"
	"testing"
	"time"
)

func TestNewSessionID(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewSessionID(started)
	if !strings.HasPrefix(string(id), "sess_1772366400000_") {
		t.Errorf("expected epoch-prefixed id, got %s", id)
	}
	got, ok := SessionEpoch(string(id))
	if !ok {
		t.Fatalf("expected epoch in %s", id)
	}
	if !got.Equal(started) {
		t.Errorf("expected %v, got %v", started, got)
	}
}

func TestSessionEpochSecondsAndMissing(t *testing.T) {
	got, ok := SessionEpoch("sess_1700000000_abcd.jsonl")
	if !ok || got.Unix() != 1700000000 {
		t.Errorf("expected seconds epoch, got %v %v", got, ok)
	}
	for _, name := range []string{
		"legacy-session.jsonl",
		"sess_17000000000_abcd.jsonl",
		"sess_170000000000_abcd.jsonl",
		"sess_17000000000000_abcd.jsonl",
	} {
		if _, ok := SessionEpoch(name); ok {
			t.Errorf("expected no epoch for %s", name)
		}
	}
}

func TestNewEventIDUnique(t *testing.T) {
	a := NewEventID("sess_1_x", 1)
	b := NewEventID("sess_1_x", 1)
	if a == b {
		t.Errorf("expected random suffix to differ, got %s twice", a)
	}
	if !strings.HasPrefix(string(a), "sess_1_x-1-") {
		t.Errorf("unexpected event id %s", a)
	}
}

func TestNewIntentIDContentDerived(t *testing.T) {
	if NewIntentID("Fix the bug!", 0) != NewIntentID("  fix THE bug ", 0) {
		t.Error("expected normalized text to produce the same intent id")
	}
	if NewIntentID("fix the bug", 0) == NewIntentID("fix the bug", 1) {
		t.Error("expected ordinal to change the intent id")
	}
}
