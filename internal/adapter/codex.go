package adapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/user/agentrail/internal/types"
)

var sessionMetaSniff = regexp.MustCompile(`"type"\s*:\s*"session_meta"`)

// codexRecord is one line of a Codex rollout file.
type codexRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexMeta struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
	Git       *struct {
		Branch        string `json:"branch"`
		RepositoryURL string `json:"repository_url"`
	} `json:"git"`
}

type codexEventMsg struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Text    string          `json:"text"`
	Info    *codexTokenInfo `json:"info"`
}

type codexTokenInfo struct {
	TotalTokenUsage *codexUsage `json:"total_token_usage"`
	LastTokenUsage  *codexUsage `json:"last_token_usage"`
}

type codexUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

type codexResponseItem struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Input     string          `json:"input"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output"`
	Summary   []struct {
		Text string `json:"text"`
	} `json:"summary"`
}

type codexToolOutput struct {
	Output   string `json:"output"`
	Metadata *struct {
		ExitCode *int `json:"exit_code"`
	} `json:"metadata"`
}

// Codex parses Codex CLI rollout JSON-lines. The first record must be
// session_meta; event_msg and response_item records carry the turns.
type Codex struct {
	opts Options
}

func NewCodex(opts Options) *Codex {
	return &Codex{opts: opts.withDefaults()}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) CanAdapt(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) > 0 && trimmed[0] == '{' && sessionMetaSniff.Match(content)
}

func (c *Codex) Adapt(content []byte) (*types.AdaptedSession, error) {
	b := newBuilder(c.Name(), c.opts)
	var (
		meta     sessionMeta
		haveMeta bool
		lastTS   time.Time
		tools    = make(map[string]string)
	)

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec codexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "malformed JSON line", Err: err}
		}
		ts := parseTime(rec.Timestamp)
		if !ts.IsZero() {
			lastTS = ts
		}

		if !haveMeta {
			if rec.Type != "session_meta" {
				return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "first record must be session_meta"}
			}
			var m codexMeta
			if err := json.Unmarshal(rec.Payload, &m); err != nil {
				return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "malformed session_meta", Err: err}
			}
			haveMeta = true
			meta.sessionID = types.SessionID(strings.TrimSpace(m.ID))
			meta.repo = m.Cwd
			if m.Git != nil {
				meta.branch = m.Git.Branch
				if m.Git.RepositoryURL != "" {
					meta.repo = m.Git.RepositoryURL
				}
			}
			meta.startedAt = parseTime(m.Timestamp)
			if meta.startedAt.IsZero() {
				meta.startedAt = ts
			}
			continue
		}

		switch rec.Type {
		case "session_meta":
			return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "duplicate session_meta"}
		case "event_msg":
			var msg codexEventMsg
			if err := json.Unmarshal(rec.Payload, &msg); err != nil {
				// Unreadable payloads are dropped; the record envelope was valid.
				continue
			}
			c.eventMsg(b, msg, ts, lineNo)
		case "response_item":
			var item codexResponseItem
			if err := json.Unmarshal(rec.Payload, &item); err != nil {
				continue
			}
			c.responseItem(b, item, tools, ts, lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "read transcript", Err: err}
	}
	if !haveMeta {
		return nil, &types.ParseError{Adapter: c.Name(), Reason: "missing session_meta record"}
	}
	meta.endedAt = lastTS
	return b.build(meta), nil
}

func (c *Codex) eventMsg(b *builder, msg codexEventMsg, ts time.Time, offset int) {
	switch msg.Type {
	case "user_message":
		b.userTurn(msg.Message, ts, offset)
	case "agent_message":
		b.artifact(types.ArtifactMessage, msg.Message, ts, offset)
	case "agent_reasoning":
		b.artifact(types.ArtifactReasoning, msg.Text, ts, offset)
	case "token_count":
		if msg.Info == nil {
			return
		}
		usage := msg.Info.TotalTokenUsage
		if usage == nil {
			usage = msg.Info.LastTokenUsage
		}
		if usage == nil {
			return
		}
		b.tokenUsage(types.TokenUsagePayload{
			InputTokens:           usage.InputTokens,
			OutputTokens:          usage.OutputTokens,
			TotalTokens:           usage.TotalTokens,
			CachedInputTokens:     usage.CachedInputTokens,
			ReasoningOutputTokens: usage.ReasoningOutputTokens,
		}, ts, offset)
	}
}

func (c *Codex) responseItem(b *builder, item codexResponseItem, tools map[string]string, ts time.Time, offset int) {
	switch item.Type {
	case "function_call", "custom_tool_call", "local_shell_call":
		input := item.Arguments
		if input == "" {
			input = item.Input
		}
		if item.CallID != "" {
			tools[item.CallID] = item.Name
		}
		b.toolInvocation(item.Name, item.CallID, input, ts, offset)
	case "function_call_output", "custom_tool_call_output":
		output, status := codexOutput(item.Output)
		b.toolResult(tools[item.CallID], item.CallID, output, status, ts, offset)
	case "reasoning":
		parts := make([]string, 0, len(item.Summary))
		for _, s := range item.Summary {
			if t := strings.TrimSpace(s.Text); t != "" {
				parts = append(parts, t)
			}
		}
		b.artifact(types.ArtifactReasoning, strings.Join(parts, "\n\n"), ts, offset)
	}
}

// codexOutput accepts a plain string, an {output, metadata} object, or a
// string holding that object. A missing exit code leaves status empty.
func codexOutput(raw json.RawMessage) (string, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ""
		}
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") {
			if out, status, ok := decodeToolOutput([]byte(trimmed)); ok {
				return out, status
			}
		}
		return s, ""
	}
	if out, status, ok := decodeToolOutput(raw); ok {
		return out, status
	}
	return string(raw), ""
}

func decodeToolOutput(raw []byte) (string, string, bool) {
	var o codexToolOutput
	if err := json.Unmarshal(raw, &o); err != nil {
		return "", "", false
	}
	if o.Output == "" && o.Metadata == nil {
		return "", "", false
	}
	status := ""
	if o.Metadata != nil && o.Metadata.ExitCode != nil {
		status = "ok"
		if *o.Metadata.ExitCode != 0 {
			status = "error"
		}
	}
	return o.Output, status, true
}
