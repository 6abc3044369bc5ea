package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Payload is one kind-specific payload variant.
type Payload interface {
	Kind() Kind
	Fields() map[string]any
}

type SessionStartPayload struct {
	Goal       string
	UserPrompt string
	Source     string
	Repo       string
	Branch     string
	Title      string
}

func (SessionStartPayload) Kind() Kind { return KindSessionStart }

func (p SessionStartPayload) Fields() map[string]any {
	m := map[string]any{"goal": p.Goal}
	putString(m, "user_prompt", p.UserPrompt)
	putString(m, "source", p.Source)
	putString(m, "repo", p.Repo)
	putString(m, "branch", p.Branch)
	putString(m, "title", p.Title)
	return m
}

type IntentPayload struct {
	IntentID IntentID
	Text     string
}

func (IntentPayload) Kind() Kind { return KindIntent }

func (p IntentPayload) Fields() map[string]any {
	return map[string]any{"intent_id": string(p.IntentID), "text": p.Text}
}

const (
	DirectionInvocation = "invocation"
	DirectionResult     = "result"
)

type ToolCallPayload struct {
	Tool      string
	Direction string
	CallID    string
	Input     string
	Output    string
	Status    string
}

func (ToolCallPayload) Kind() Kind { return KindToolCall }

func (p ToolCallPayload) Fields() map[string]any {
	m := map[string]any{"tool": p.Tool, "direction": p.Direction}
	putString(m, "call_id", p.CallID)
	putString(m, "input", p.Input)
	putString(m, "output", p.Output)
	putString(m, "status", p.Status)
	return m
}

const (
	ArtifactReasoning = "reasoning"
	ArtifactMessage   = "message"
)

type ArtifactPayload struct {
	ArtifactType string
	Content      string
	Title        string
	Language     string
}

func (ArtifactPayload) Kind() Kind { return KindArtifactCreated }

func (p ArtifactPayload) Fields() map[string]any {
	m := map[string]any{"artifact_type": p.ArtifactType, "content": p.Content}
	putString(m, "title", p.Title)
	putString(m, "language", p.Language)
	return m
}

type TokenUsagePayload struct {
	InputTokens           int64
	OutputTokens          int64
	TotalTokens           int64
	CachedInputTokens     int64
	ReasoningOutputTokens int64
}

func (TokenUsagePayload) Kind() Kind { return KindTokenUsage }

func (p TokenUsagePayload) Fields() map[string]any {
	m := map[string]any{}
	putCount(m, "input_tokens", p.InputTokens)
	putCount(m, "output_tokens", p.OutputTokens)
	putCount(m, "total_tokens", p.TotalTokens)
	putCount(m, "cached_input_tokens", p.CachedInputTokens)
	putCount(m, "reasoning_output_tokens", p.ReasoningOutputTokens)
	return m
}

// Empty reports whether no counter is set.
func (p TokenUsagePayload) Empty() bool {
	return p.InputTokens == 0 && p.OutputTokens == 0 && p.TotalTokens == 0 &&
		p.CachedInputTokens == 0 && p.ReasoningOutputTokens == 0
}

type SessionEndPayload struct {
	Outcome string
	Summary string
}

func (SessionEndPayload) Kind() Kind { return KindSessionEnd }

func (p SessionEndPayload) Fields() map[string]any {
	m := map[string]any{}
	putString(m, "outcome", p.Outcome)
	putString(m, "summary", p.Summary)
	return m
}

type FileOpPayload struct {
	Op   string
	Path string
}

func (FileOpPayload) Kind() Kind { return KindFileOp }

func (p FileOpPayload) Fields() map[string]any {
	return map[string]any{"op": p.Op, "path": p.Path}
}

type DecisionPayload struct {
	Summary   string
	Rationale string
}

func (DecisionPayload) Kind() Kind { return KindDecision }

func (p DecisionPayload) Fields() map[string]any {
	m := map[string]any{"summary": p.Summary}
	putString(m, "rationale", p.Rationale)
	return m
}

const (
	VerificationPass = "pass"
	VerificationFail = "fail"
)

type VerificationPayload struct {
	Check  string
	Result string
	Detail string
}

func (VerificationPayload) Kind() Kind { return KindVerification }

func (p VerificationPayload) Fields() map[string]any {
	m := map[string]any{"check": p.Check, "result": p.Result}
	putString(m, "detail", p.Detail)
	return m
}

// BuildPayload merges a variant with namespaced extras (x_<ns>_<name>).
func BuildPayload(p Payload, extras map[string]any) map[string]any {
	m := p.Fields()
	for k, v := range extras {
		m[k] = v
	}
	return m
}

type payloadRule struct {
	required []string
	optional []string
	numeric  []string
	enums    map[string][]string
}

var payloadRules = map[Kind]payloadRule{
	KindSessionStart: {required: []string{"goal"}, optional: []string{"user_prompt", "source", "repo", "branch", "title"}},
	KindIntent:       {required: []string{"intent_id", "text"}},
	KindToolCall: {
		required: []string{"tool", "direction"},
		optional: []string{"call_id", "input", "output", "status"},
		enums:    map[string][]string{"direction": {DirectionInvocation, DirectionResult}},
	},
	KindArtifactCreated: {required: []string{"artifact_type", "content"}, optional: []string{"title", "language"}},
	KindTokenUsage: {
		numeric: []string{"input_tokens", "output_tokens", "total_tokens", "cached_input_tokens", "reasoning_output_tokens"},
	},
	KindSessionEnd: {optional: []string{"outcome", "summary"}},
	KindFileOp:     {required: []string{"op", "path"}},
	KindDecision:   {required: []string{"summary"}, optional: []string{"rationale"}},
	KindVerification: {
		required: []string{"check", "result"},
		optional: []string{"detail"},
		enums:    map[string][]string{"result": {VerificationPass, VerificationFail}},
	},
}

var extraKeyPattern = regexp.MustCompile(`^x_[a-z0-9]+_[a-z0-9_]+$`)

// IsExtraKey reports whether key is a namespaced adapter-specific extra.
func IsExtraKey(key string) bool {
	return extraKeyPattern.MatchString(key)
}

// ValidatePayload checks a payload map against the field set of its kind.
func ValidatePayload(kind Kind, payload map[string]any) error {
	rule, ok := payloadRules[kind]
	if !ok {
		return &SchemaValidationError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	allowed := make(map[string]bool)
	for _, k := range rule.required {
		allowed[k] = true
		v, ok := payload[k].(string)
		if !ok || strings.TrimSpace(v) == "" {
			return &SchemaValidationError{Reason: fmt.Sprintf("%s payload requires non-empty string %q", kind, k)}
		}
	}
	for _, k := range rule.optional {
		allowed[k] = true
		if v, present := payload[k]; present {
			if _, ok := v.(string); !ok {
				return &SchemaValidationError{Reason: fmt.Sprintf("%s payload field %q must be a string", kind, k)}
			}
		}
	}
	counters := 0
	for _, k := range rule.numeric {
		allowed[k] = true
		v, present := payload[k]
		if !present {
			continue
		}
		n, ok := asNumber(v)
		if !ok || n < 0 {
			return &SchemaValidationError{Reason: fmt.Sprintf("%s payload field %q must be a non-negative number", kind, k)}
		}
		counters++
	}
	if len(rule.numeric) > 0 && counters == 0 {
		return &SchemaValidationError{Reason: fmt.Sprintf("%s payload requires at least one token counter", kind)}
	}
	for field, values := range rule.enums {
		v, present := payload[field].(string)
		if !present {
			continue
		}
		if !contains(values, v) {
			return &SchemaValidationError{Reason: fmt.Sprintf("%s payload field %q must be one of %s", kind, field, strings.Join(values, ", "))}
		}
	}
	var unknown []string
	for k := range payload {
		if !allowed[k] && !IsExtraKey(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &SchemaValidationError{Reason: fmt.Sprintf("%s payload has unknown fields: %s", kind, strings.Join(unknown, ", "))}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putCount(m map[string]any, key string, value int64) {
	if value != 0 {
		m[key] = value
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
