package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/agentrail/internal/types"
)

const codexScenario = `{"timestamp":"2025-02-03T09:00:00.000Z","type":"session_meta","payload":{"id":"0195f1c2-aaaa-bbbb-cccc-000000000001","timestamp":"2025-02-03T09:00:00.000Z","cwd":"/work/app","git":{"branch":"main","repository_url":"git@example.com:org/app.git"}}}
{"timestamp":"2025-02-03T09:00:05.000Z","type":"event_msg","payload":{"type":"user_message","message":"Summarize the failing tests"}}
{"timestamp":"2025-02-03T09:00:09.000Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":900,"cached_input_tokens":100,"output_tokens":50,"reasoning_output_tokens":10,"total_tokens":950}}}}
`

func TestCodexScenario(t *testing.T) {
	sess, err := NewCodex(testOptions()).Adapt([]byte(codexScenario))
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Kind{
		types.KindSessionStart,
		types.KindIntent,
		types.KindTokenUsage,
		types.KindSessionEnd,
	}
	if got := kinds(sess); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if sess.SessionID != "0195f1c2-aaaa-bbbb-cccc-000000000001" {
		t.Errorf("session id = %q", sess.SessionID)
	}
	if sess.Repo != "git@example.com:org/app.git" || sess.Branch != "main" {
		t.Errorf("repo/branch = %q/%q", sess.Repo, sess.Branch)
	}
	if !sess.StartedAt.Equal(time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("started at = %v", sess.StartedAt)
	}
	if !sess.EndedAt.Equal(time.Date(2025, 2, 3, 9, 0, 9, 0, time.UTC)) {
		t.Errorf("ended at = %v", sess.EndedAt)
	}
	tokens := sess.Events[2]
	if tokens.Payload["total_tokens"] != int64(950) || tokens.Payload["cached_input_tokens"] != int64(100) {
		t.Errorf("token payload = %v", tokens.Payload)
	}
	if tokens.Visibility != types.VisibilityDebug {
		t.Errorf("token visibility = %s", tokens.Visibility)
	}
	for _, ev := range sess.Events {
		if ev.Confidence != ExplicitConfidence {
			t.Errorf("%s confidence = %v, want explicit", ev.Kind, ev.Confidence)
		}
		if !ev.Derived {
			t.Errorf("%s should be derived", ev.Kind)
		}
	}
}

func TestCodexToolCalls(t *testing.T) {
	content := strings.Join([]string{
		`{"timestamp":"2025-02-03T09:00:00Z","type":"session_meta","payload":{"id":"s1","timestamp":"2025-02-03T09:00:00Z","cwd":"/work"}}`,
		`{"timestamp":"2025-02-03T09:00:01Z","type":"event_msg","payload":{"type":"user_message","message":"list files"}}`,
		`{"timestamp":"2025-02-03T09:00:02Z","type":"response_item","payload":{"type":"reasoning","summary":[{"type":"summary_text","text":"Run ls."}]}}`,
		`{"timestamp":"2025-02-03T09:00:03Z","type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"command\":[\"ls\"]}","call_id":"call_1"}}`,
		`{"timestamp":"2025-02-03T09:00:04Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":"{\"output\":\"README.md\\n\",\"metadata\":{\"exit_code\":1}}"}}`,
		`{"timestamp":"2025-02-03T09:00:05Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[]}}`,
		`{"timestamp":"2025-02-03T09:00:06Z","type":"event_msg","payload":{"type":"agent_message","message":"Done."}}`,
		`{"timestamp":"2025-02-03T09:00:07Z","type":"event_msg","payload":{"type":"token_count","info":null}}`,
		`{"timestamp":"2025-02-03T09:00:08Z","type":"turn_context","payload":{}}`,
	}, "\n")

	sess, err := NewCodex(testOptions()).Adapt([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Kind{
		types.KindSessionStart,
		types.KindIntent,
		types.KindArtifactCreated,
		types.KindToolCall,
		types.KindToolCall,
		types.KindArtifactCreated,
		types.KindSessionEnd,
	}
	if got := kinds(sess); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if sess.Repo != "/work" {
		t.Errorf("repo = %q", sess.Repo)
	}
	result := sess.Events[4].Payload
	if result["tool"] != "shell" || result["call_id"] != "call_1" {
		t.Errorf("result should map call_id to tool: %v", result)
	}
	if result["output"] != "README.md" || result["status"] != "error" {
		t.Errorf("result output/status = %q/%q", result["output"], result["status"])
	}
}

func TestCodexParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing meta", `{"timestamp":"2025-02-03T09:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"hi"}}`},
		{"malformed line", codexScenario + "{not json\n"},
		{"empty", "\n\n"},
		{"duplicate meta", codexScenario + strings.SplitN(codexScenario, "\n", 2)[0] + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodex(testOptions()).Adapt([]byte(tt.content))
			var perr *types.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Adapter != "codex" {
				t.Errorf("adapter = %q", perr.Adapter)
			}
		})
	}
}

func TestCodexDropsNegativeCounters(t *testing.T) {
	const transcript = `{"timestamp":"2025-02-03T09:00:00.000Z","type":"session_meta","payload":{"id":"rollout-neg","timestamp":"2025-02-03T09:00:00.000Z","cwd":"/work/app"}}
{"timestamp":"2025-02-03T09:00:05.000Z","type":"event_msg","payload":{"type":"user_message","message":"Count tokens"}}
{"timestamp":"2025-02-03T09:00:06.000Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":-1,"output_tokens":50}}}}
{"timestamp":"2025-02-03T09:00:07.000Z","type":"event_msg","payload":{"type":"token_count","info":{"total_token_usage":{"input_tokens":-5,"output_tokens":-2}}}}
`
	sess, err := NewCodex(testOptions()).Adapt([]byte(transcript))
	if err != nil {
		t.Fatal(err)
	}
	var usage []types.AdaptedEvent
	for _, ev := range sess.Events {
		if ev.Kind == types.KindTokenUsage {
			usage = append(usage, ev)
		}
	}
	if len(usage) != 1 {
		t.Fatalf("expected 1 token checkpoint, got %d", len(usage))
	}
	if _, ok := usage[0].Payload["input_tokens"]; ok {
		t.Errorf("negative input_tokens kept: %v", usage[0].Payload)
	}
	if err := types.ValidatePayload(types.KindTokenUsage, usage[0].Payload); err != nil {
		t.Errorf("checkpoint does not validate: %v", err)
	}
}
