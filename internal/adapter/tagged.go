package adapter

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/user/agentrail/internal/types"
)

const (
	queryOpen  = "<user_query>"
	queryClose = "</user_query>"

	toolCallMarker   = "Tool call:"
	toolResultMarker = "Tool result:"
)

var (
	thinkTags = map[string]string{
		"<think>":    "</think>",
		"<thinking>": "</thinking>",
	}
	timestampLine  = regexp.MustCompile(`^Timestamp:\s*(\S+)\s*$`)
	bracketAnchor  = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}[T ][^\]]+)\]\s*`)
	tokenLine      = regexp.MustCompile(`^(?i:tokens|token usage):\s*(.*)$`)
	tokenPair      = regexp.MustCompile(`([A-Za-z_]+)\s*[=:]\s*([\d,]+)`)
	blockOpeners   = []string{queryOpen, "<thinking>", "<think>", toolCallMarker, toolResultMarker}
	strayClosers   = []string{queryClose, "</thinking>", "</think>"}
	tokenFieldKeys = map[string]string{
		"input":                   "input",
		"input_tokens":            "input",
		"prompt_tokens":           "input",
		"output":                  "output",
		"output_tokens":           "output",
		"completion_tokens":       "output",
		"total":                   "total",
		"total_tokens":            "total",
		"cached":                  "cached",
		"cached_input_tokens":     "cached",
		"reasoning":               "reasoning",
		"reasoning_output_tokens": "reasoning",
	}
)

type taggedState int

const (
	inText taggedState = iota
	inQuery
	inThink
	inToolCall
	inToolResult
)

// Tagged parses tag-delimited text exports (cursor style): user turns in
// <user_query> blocks, reasoning in <think> blocks and tool activity on
// "Tool call:" / "Tool result:" lines. Anything else is assistant text.
//
// Precedence inside one line: an open block only looks for its own closing
// tag; otherwise the earliest opener wins. Whole-line markers (Timestamp:,
// [rfc3339], Tokens:) are only recognized at the start of a line. A tool
// block ends at a blank line or at the next marker.
type Tagged struct {
	opts Options
}

func NewTagged(opts Options) *Tagged {
	return &Tagged{opts: opts.withDefaults()}
}

func (t *Tagged) Name() string { return "tagged" }

func (t *Tagged) CanAdapt(content []byte) bool {
	return bytes.Contains(content, []byte(queryOpen))
}

func (t *Tagged) Adapt(content []byte) (*types.AdaptedSession, error) {
	s := &taggedScanner{b: newBuilder(t.Name(), t.opts)}
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		s.line++
		if err := s.feed(strings.TrimRight(sc.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &types.ParseError{Adapter: t.Name(), Line: s.line, Reason: "read transcript", Err: err}
	}
	switch s.state {
	case inQuery:
		return nil, &types.ParseError{Adapter: t.Name(), Line: s.blockLine, Reason: "unclosed " + queryOpen}
	case inThink:
		return nil, &types.ParseError{Adapter: t.Name(), Line: s.blockLine, Reason: "unclosed thinking block"}
	}
	s.flush()
	if s.queries == 0 {
		return nil, &types.ParseError{Adapter: t.Name(), Reason: "no " + queryOpen + " block found"}
	}
	return s.b.build(sessionMeta{}), nil
}

type taggedScanner struct {
	b     *builder
	state taggedState
	line  int

	buf        strings.Builder
	blockLine  int
	blockTS    time.Time
	thinkClose string
	toolName   string
	toolNamed  bool
	lastTool   string
	anchor     time.Time
	queries    int
}

func (s *taggedScanner) feed(line string) error {
	rest := line
	atStart := true
	for {
		switch s.state {
		case inQuery, inThink:
			closer := queryClose
			if s.state == inThink {
				closer = s.thinkClose
			}
			i := strings.Index(rest, closer)
			if i < 0 {
				s.buf.WriteString(rest)
				s.buf.WriteByte('\n')
				return nil
			}
			s.buf.WriteString(rest[:i])
			s.flush()
			rest = rest[i+len(closer):]
			atStart = false
			continue
		}

		trimmed := strings.TrimSpace(rest)
		if trimmed == "" {
			if s.state == inToolCall || s.state == inToolResult {
				s.flush()
			} else if atStart && s.buf.Len() > 0 {
				s.buf.WriteByte('\n')
			}
			return nil
		}

		if atStart {
			if m := timestampLine.FindStringSubmatch(trimmed); m != nil {
				if ts := parseTime(m[1]); !ts.IsZero() {
					s.flush()
					s.anchor = ts
					return nil
				}
			}
			if m := bracketAnchor.FindStringSubmatch(trimmed); m != nil {
				if ts := parseTime(m[1]); !ts.IsZero() {
					s.flush()
					s.anchor = ts
					rest = trimmed[len(m[0]):]
					atStart = false
					continue
				}
			}
			if m := tokenLine.FindStringSubmatch(trimmed); m != nil {
				if usage, ok := parseTokenPairs(m[1]); ok {
					s.flush()
					s.b.tokenUsage(usage, s.takeAnchor(), s.line)
					return nil
				}
			}
		}

		idx, marker := earliest(rest, blockOpeners)
		if s.state == inText {
			if ci, closer := earliest(rest, strayClosers); ci >= 0 && (idx < 0 || ci < idx) {
				return &types.ParseError{Adapter: "tagged", Line: s.line, Reason: "unexpected " + closer}
			}
		}
		if idx < 0 {
			s.appendText(rest)
			return nil
		}
		s.appendText(rest[:idx])
		s.flush()
		rest = rest[idx+len(marker):]
		atStart = false
		s.open(marker)
	}
}

func (s *taggedScanner) open(marker string) {
	s.blockLine = s.line
	s.blockTS = s.takeAnchor()
	switch marker {
	case queryOpen:
		s.state = inQuery
		s.queries++
	case toolCallMarker:
		s.state = inToolCall
		s.toolName, s.toolNamed = "", false
	case toolResultMarker:
		s.state = inToolResult
	default:
		s.state = inThink
		s.thinkClose = thinkTags[marker]
	}
}

// appendText adds a segment to the open text or tool block. The first
// segment of a tool call names the tool; the rest of it is input.
func (s *taggedScanner) appendText(seg string) {
	if strings.TrimSpace(seg) == "" {
		return
	}
	if s.state == inToolCall && !s.toolNamed {
		fields := strings.Fields(seg)
		s.toolName = strings.TrimRight(fields[0], ":(")
		s.toolNamed = true
		seg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(seg), fields[0]))
		if seg == "" {
			return
		}
	}
	if s.state == inText && s.buf.Len() == 0 {
		s.blockLine = s.line
		s.blockTS = s.takeAnchor()
	}
	if s.buf.Len() > 0 && !strings.HasSuffix(s.buf.String(), "\n") {
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString(strings.TrimSpace(seg))
}

func (s *taggedScanner) flush() {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	state := s.state
	s.state = inText
	switch state {
	case inQuery:
		s.b.userTurn(text, s.blockTS, s.blockLine)
	case inThink:
		s.b.artifact(types.ArtifactReasoning, text, s.blockTS, s.blockLine)
	case inToolCall:
		s.b.toolInvocation(s.toolName, "", text, s.blockTS, s.blockLine)
		s.lastTool = s.toolName
	case inToolResult:
		s.b.toolResult(s.lastTool, "", text, "", s.blockTS, s.blockLine)
	case inText:
		// Filler such as "..." carries no content.
		if types.NormalizeText(text) != "" {
			s.b.artifact(types.ArtifactMessage, text, s.blockTS, s.blockLine)
		}
	}
	s.blockTS = time.Time{}
}

func (s *taggedScanner) takeAnchor() time.Time {
	ts := s.anchor
	s.anchor = time.Time{}
	return ts
}

func earliest(s string, markers []string) (int, string) {
	best, which := -1, ""
	for _, m := range markers {
		if i := strings.Index(s, m); i >= 0 && (best < 0 || i < best) {
			best, which = i, m
		}
	}
	return best, which
}

func parseTokenPairs(s string) (types.TokenUsagePayload, bool) {
	var usage types.TokenUsagePayload
	for _, m := range tokenPair.FindAllStringSubmatch(s, -1) {
		field, ok := tokenFieldKeys[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.ReplaceAll(m[2], ",", ""), 10, 64)
		if err != nil {
			continue
		}
		switch field {
		case "input":
			usage.InputTokens = n
		case "output":
			usage.OutputTokens = n
		case "total":
			usage.TotalTokens = n
		case "cached":
			usage.CachedInputTokens = n
		case "reasoning":
			usage.ReasoningOutputTokens = n
		}
	}
	return usage, !usage.Empty()
}
