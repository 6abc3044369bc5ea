// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventSerialization(t *testing.T) {
	sessionID := NewSessionID(time.Now())
	event := CanonicalEvent{
		ID:            NewEventID(sessionID, 1),
		SessionID:     sessionID,
		Seq:           1,
		TS:            time.Now().UTC(),
		Kind:          KindIntent,
		Actor:         Actor{Type: ActorUser},
		Scope:         &Scope{IntentID: "int_abc"},
		Payload:       IntentPayload{IntentID: "int_abc", Text: "hello"}.Fields(),
		Derived:       true,
		Confidence:    0.9,
		Visibility:    VisibilityRaw,
		SchemaVersion: SchemaVersion,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}

	var decoded CanonicalEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Kind != event.Kind {
		t.Errorf("expected kind %s, got %s", event.Kind, decoded.Kind)
	}
	if decoded.IntentID() != "int_abc" {
		t.Errorf("expected scope intent id, got %q", decoded.IntentID())
	}
	if err := ValidatePayload(decoded.Kind, decoded.Payload); err != nil {
		t.Errorf("decoded payload should stay valid: %v", err)
	}
}

func TestAdaptedEventInput(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := AdaptedEvent{Kind: KindSessionEnd, TS: ts, Confidence: 0.5, Derived: true}.Input()
	if in.TS != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected ts %q", in.TS)
	}
	if in.Confidence == nil || *in.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %v", in.Confidence)
	}
}

func TestValidatePayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		payload map[string]any
		wantErr bool
	}{
		{"intent ok", KindIntent, IntentPayload{IntentID: "int_1", Text: "do it"}.Fields(), false},
		{"intent missing text", KindIntent, map[string]any{"intent_id": "int_1"}, true},
		{"tool bad direction", KindToolCall, map[string]any{"tool": "bash", "direction": "sideways"}, true},
		{"tool ok", KindToolCall, ToolCallPayload{Tool: "bash", Direction: DirectionResult, Output: "ok"}.Fields(), false},
		{"tokens ok", KindTokenUsage, TokenUsagePayload{InputTokens: 10}.Fields(), false},
		{"tokens json numbers", KindTokenUsage, map[string]any{"input_tokens": float64(3)}, false},
		{"tokens empty", KindTokenUsage, map[string]any{}, true},
		{"tokens negative", KindTokenUsage, map[string]any{"output_tokens": -1}, true},
		{"end empty ok", KindSessionEnd, map[string]any{}, false},
		{"namespaced extra ok", KindSessionEnd, map[string]any{"x_codex_turn_id": "t1"}, false},
		{"unknown field", KindSessionEnd, map[string]any{"mood": "good"}, true},
		{"verification result enum", KindVerification, map[string]any{"check": "go test", "result": "maybe"}, true},
		{"unknown kind", Kind("telemetry"), map[string]any{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.kind, tc.payload)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidatePayload() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestTruncateAndNormalize(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abc"+Ellipsis {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Errorf("short text should be untouched, got %q", got)
	}
	if got := NormalizeText("  Fix, the\tBUG!!  now "); got != "fix the bug now" {
		t.Errorf("unexpected normalization %q", got)
	}
}
