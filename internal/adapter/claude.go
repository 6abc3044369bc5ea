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

var (
	claudeTypeSniff    = regexp.MustCompile(`"type"\s*:\s*"(user|assistant)"`)
	claudeMessageSniff = regexp.MustCompile(`"message"\s*:\s*\{`)
)

// claudeRecord is one line of a Claude Code project transcript.
type claudeRecord struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	IsMeta    bool            `json:"isMeta"`
	Summary   string          `json:"summary"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Claude parses Claude Code JSON-lines transcripts. Only user and assistant
// records contribute events; summary, system and snapshot records are
// skipped apart from the summary title.
type Claude struct {
	opts Options
}

func NewClaude(opts Options) *Claude {
	return &Claude{opts: opts.withDefaults()}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) CanAdapt(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) > 0 && trimmed[0] == '{' &&
		claudeTypeSniff.Match(content) && claudeMessageSniff.Match(content)
}

func (c *Claude) Adapt(content []byte) (*types.AdaptedSession, error) {
	b := newBuilder(c.Name(), c.opts)
	var (
		meta  sessionMeta
		turns int
		tools = make(map[string]string)
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
		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "malformed JSON line", Err: err}
		}
		if rec.Type == "summary" && meta.title == "" {
			meta.title = strings.TrimSpace(rec.Summary)
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		if len(rec.Message) == 0 {
			return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: rec.Type + " record without message"}
		}
		var msg claudeMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "malformed message", Err: err}
		}
		turns++

		ts := parseTime(rec.Timestamp)
		if meta.sessionID == "" && rec.SessionID != "" {
			meta.sessionID = types.SessionID(rec.SessionID)
		}
		if meta.repo == "" {
			meta.repo = rec.Cwd
		}
		if meta.branch == "" {
			meta.branch = rec.GitBranch
		}
		if meta.startedAt.IsZero() {
			meta.startedAt = ts
		}
		if !ts.IsZero() {
			meta.endedAt = ts
		}
		if rec.IsMeta {
			continue
		}

		if rec.Type == "user" {
			c.user(b, msg, tools, ts, lineNo)
		} else {
			c.assistant(b, msg, tools, ts, lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &types.ParseError{Adapter: c.Name(), Line: lineNo, Reason: "read transcript", Err: err}
	}
	if turns == 0 {
		return nil, &types.ParseError{Adapter: c.Name(), Reason: "no user or assistant records"}
	}
	return b.build(meta), nil
}

func (c *Claude) user(b *builder, msg claudeMessage, tools map[string]string, ts time.Time, offset int) {
	if text, ok := contentString(msg.Content); ok {
		b.userTurn(text, ts, offset)
		return
	}
	var texts []string
	for _, block := range contentBlocks(msg.Content) {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_result":
			status := "ok"
			if block.IsError {
				status = "error"
			}
			b.toolResult(tools[block.ToolUseID], block.ToolUseID, flattenContent(block.Content), status, ts, offset)
		}
	}
	if len(texts) > 0 {
		b.userTurn(strings.Join(texts, "\n"), ts, offset)
	}
}

func (c *Claude) assistant(b *builder, msg claudeMessage, tools map[string]string, ts time.Time, offset int) {
	if text, ok := contentString(msg.Content); ok {
		b.artifact(types.ArtifactMessage, text, ts, offset)
	}
	for _, block := range contentBlocks(msg.Content) {
		switch block.Type {
		case "text":
			b.artifact(types.ArtifactMessage, block.Text, ts, offset)
		case "thinking":
			b.artifact(types.ArtifactReasoning, block.Thinking, ts, offset)
		case "tool_use":
			if block.ID != "" {
				tools[block.ID] = block.Name
			}
			b.toolInvocation(block.Name, block.ID, compactJSON(block.Input), ts, offset)
		}
	}
	if u := msg.Usage; u != nil {
		b.tokenUsage(types.TokenUsagePayload{
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			TotalTokens:       u.InputTokens + u.OutputTokens,
			CachedInputTokens: u.CacheReadInputTokens,
		}, ts, offset)
	}
}

func contentString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// contentBlocks decodes a block array; anything else yields no blocks.
func contentBlocks(raw json.RawMessage) []claudeBlock {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// flattenContent renders tool_result content, which is either a string or
// a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if s, ok := contentString(raw); ok {
		return s
	}
	var parts []string
	for _, block := range contentBlocks(raw) {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func compactJSON(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
