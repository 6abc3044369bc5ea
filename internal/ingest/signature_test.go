package ingest

import (
	"testing"

	"github.com/user/agentrail/internal/types"
)

func TestSignature(t *testing.T) {
	base := map[string]any{
		"tool":   "run_tests",
		"input":  "go test ./...",
		"status": "ok",
		"meta":   map[string]any{"exit_code": 0, "cwd": "/work"},
	}
	sig := func(kind types.Kind, actor types.ActorType, intent types.IntentID, payload map[string]any) string {
		t.Helper()
		s, err := Signature(kind, actor, intent, payload)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	want := sig(types.KindToolCall, types.ActorAgent, "int_1", base)

	tests := []struct {
		name    string
		kind    types.Kind
		actor   types.ActorType
		intent  types.IntentID
		payload map[string]any
		same    bool
	}{
		{
			name: "whitespace and case",
			kind: types.KindToolCall, actor: types.ActorAgent, intent: "int_1",
			payload: map[string]any{"tool": "Run_Tests ", "input": "go  test ./...", "status": "OK", "meta": map[string]any{"cwd": "/work", "exit_code": 0}},
			same:    true,
		},
		{
			name: "numbers ignored",
			kind: types.KindToolCall, actor: types.ActorAgent, intent: "int_1",
			payload: map[string]any{"tool": "run_tests", "input": "go test ./...", "status": "ok", "meta": map[string]any{"exit_code": 3, "cwd": "/work"}},
			same:    true,
		},
		{
			name: "different text",
			kind: types.KindToolCall, actor: types.ActorAgent, intent: "int_1",
			payload: map[string]any{"tool": "run_tests", "input": "go test ./pkg", "status": "ok"},
		},
		{
			name: "different actor",
			kind: types.KindToolCall, actor: types.ActorTool, intent: "int_1",
			payload: base,
		},
		{
			name: "different intent",
			kind: types.KindToolCall, actor: types.ActorAgent, intent: "int_2",
			payload: base,
		},
		{
			name: "text moved to another key",
			kind: types.KindToolCall, actor: types.ActorAgent, intent: "int_1",
			payload: map[string]any{"tool": "run_tests", "output": "go test ./...", "status": "ok", "meta": map[string]any{"cwd": "/work"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sig(tt.kind, tt.actor, tt.intent, tt.payload)
			if (got == want) != tt.same {
				t.Errorf("same = %v, want %v", got == want, tt.same)
			}
		})
	}
}

func TestSessionStartSignature(t *testing.T) {
	live, err := Signature(types.KindSessionStart, types.ActorSystem, "", map[string]any{"goal": "Fix bug", "source": "live"})
	if err != nil {
		t.Fatal(err)
	}
	imported, err := Signature(types.KindSessionStart, types.ActorSystem, "", map[string]any{"goal": "Fix bug", "source": "tagged", "cwd": "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if live != imported {
		t.Error("expected session_start events to share a signature")
	}
	end, err := Signature(types.KindSessionEnd, types.ActorSystem, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if end == live {
		t.Error("session_end must not collide with session_start")
	}
}

func TestProjectText(t *testing.T) {
	got := projectText(map[string]any{
		"b":     "Two",
		"a":     "one",
		"empty": "  ",
		"list":  []any{"x", map[string]any{"k": "Y"}},
		"n":     4.5,
	})
	want := []string{"a=one", "b=two", "list[].k=y", "list[]=x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
