package adapter

import (
	"strings"
	"time"

	"github.com/user/agentrail/internal/types"
)

const (
	DefaultMaxTextLen     = 4000
	ExplicitConfidence    = 0.9
	SynthesizedConfidence = 0.5

	goalMaxLen = 200
	// syntheticStep spaces events backwards from now when a transcript has
	// no timestamps at all; anchorStep offsets events from the nearest
	// explicit timestamp.
	syntheticStep = time.Second
	anchorStep    = time.Millisecond

	synthesizedKey = "x_ts_synthesized"
)

// Options are shared by every adapter.
type Options struct {
	Clock      Clock
	MaxTextLen int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.MaxTextLen <= 0 {
		o.MaxTextLen = DefaultMaxTextLen
	}
	return o
}

type draft struct {
	kind       types.Kind
	ts         time.Time
	actor      types.Actor
	scope      *types.Scope
	payload    types.Payload
	extras     map[string]any
	visibility types.Visibility
	offset     int
}

type sessionMeta struct {
	sessionID types.SessionID
	repo      string
	branch    string
	title     string
	startedAt time.Time
	endedAt   time.Time
}

// builder accumulates blocks for one transcript. It brackets the session
// with synthetic start/end events and stamps the current intent on every
// event that follows a user turn.
type builder struct {
	source      string
	opts        Options
	drafts      []draft
	intent      types.IntentID
	seen        map[string]int
	firstPrompt string
}

func newBuilder(source string, opts Options) *builder {
	return &builder{
		source: source,
		opts:   opts.withDefaults(),
		seen:   make(map[string]int),
	}
}

func (b *builder) text(s string) string {
	return types.Truncate(strings.TrimSpace(s), b.opts.MaxTextLen)
}

func (b *builder) currentScope() *types.Scope {
	if b.intent == "" {
		return nil
	}
	return &types.Scope{IntentID: b.intent}
}

func (b *builder) add(d draft) {
	b.drafts = append(b.drafts, d)
}

func (b *builder) userTurn(text string, ts time.Time, offset int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	norm := types.NormalizeText(text)
	ordinal := b.seen[norm]
	b.seen[norm]++
	id := types.NewIntentID(text, ordinal)
	b.intent = id
	if b.firstPrompt == "" {
		b.firstPrompt = text
	}
	b.add(draft{
		kind:       types.KindIntent,
		ts:         ts,
		actor:      types.Actor{Type: types.ActorUser},
		scope:      &types.Scope{IntentID: id},
		payload:    types.IntentPayload{IntentID: id, Text: b.text(text)},
		visibility: types.VisibilityRaw,
		offset:     offset,
	})
}

func (b *builder) artifact(artifactType, text string, ts time.Time, offset int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	visibility := types.VisibilityRaw
	if artifactType == types.ArtifactReasoning {
		visibility = types.VisibilityReview
	}
	b.add(draft{
		kind:       types.KindArtifactCreated,
		ts:         ts,
		actor:      types.Actor{Type: types.ActorAgent},
		scope:      b.currentScope(),
		payload:    types.ArtifactPayload{ArtifactType: artifactType, Content: b.text(text)},
		visibility: visibility,
		offset:     offset,
	})
}

func (b *builder) toolInvocation(tool, callID, input string, ts time.Time, offset int) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = "unknown"
	}
	b.add(draft{
		kind:  types.KindToolCall,
		ts:    ts,
		actor: types.Actor{Type: types.ActorAgent, ID: tool},
		scope: b.currentScope(),
		payload: types.ToolCallPayload{
			Tool:      tool,
			Direction: types.DirectionInvocation,
			CallID:    callID,
			Input:     b.text(input),
		},
		visibility: types.VisibilityRaw,
		offset:     offset,
	})
}

func (b *builder) toolResult(tool, callID, output, status string, ts time.Time, offset int) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = "unknown"
	}
	b.add(draft{
		kind:  types.KindToolCall,
		ts:    ts,
		actor: types.Actor{Type: types.ActorTool, ID: tool},
		scope: b.currentScope(),
		payload: types.ToolCallPayload{
			Tool:      tool,
			Direction: types.DirectionResult,
			CallID:    callID,
			Output:    b.text(output),
			Status:    status,
		},
		visibility: types.VisibilityRaw,
		offset:     offset,
	})
}

// tokenUsage records a checkpoint. Negative counters are dropped, and a
// checkpoint left with none is skipped.
func (b *builder) tokenUsage(usage types.TokenUsagePayload, ts time.Time, offset int) {
	for _, n := range []*int64{
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.TotalTokens,
		&usage.CachedInputTokens,
		&usage.ReasoningOutputTokens,
	} {
		if *n < 0 {
			*n = 0
		}
	}
	if usage.Empty() {
		return
	}
	b.add(draft{
		kind:       types.KindTokenUsage,
		ts:         ts,
		actor:      types.Actor{Type: types.ActorSystem},
		scope:      b.currentScope(),
		payload:    usage,
		visibility: types.VisibilityDebug,
		offset:     offset,
	})
}

func (b *builder) goal(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return types.Truncate(t, goalMaxLen)
	}
	if b.firstPrompt != "" {
		line, _, _ := strings.Cut(b.firstPrompt, "\n")
		return types.Truncate(strings.TrimSpace(line), goalMaxLen)
	}
	return "Imported " + b.source + " session"
}

func (b *builder) build(meta sessionMeta) *types.AdaptedSession {
	goal := b.goal(meta.title)
	start := draft{
		kind:  types.KindSessionStart,
		ts:    meta.startedAt,
		actor: types.Actor{Type: types.ActorSystem},
		payload: types.SessionStartPayload{
			Goal:       goal,
			UserPrompt: b.text(b.firstPrompt),
			Source:     b.source,
			Repo:       meta.repo,
			Branch:     meta.branch,
			Title:      meta.title,
		},
		visibility: types.VisibilityRaw,
		offset:     -1,
	}
	end := draft{
		kind:       types.KindSessionEnd,
		ts:         meta.endedAt,
		actor:      types.Actor{Type: types.ActorSystem},
		scope:      b.currentScope(),
		payload:    types.SessionEndPayload{Outcome: "imported"},
		visibility: types.VisibilityRaw,
		offset:     len(b.drafts),
	}

	all := make([]draft, 0, len(b.drafts)+2)
	all = append(all, start)
	all = append(all, b.drafts...)
	all = append(all, end)

	stamps := make([]time.Time, len(all))
	for i, d := range all {
		stamps[i] = d.ts
	}
	resolved, synthesized := resolveTimes(stamps, b.opts.Clock.Now())

	events := make([]types.AdaptedEvent, len(all))
	for i, d := range all {
		confidence := ExplicitConfidence
		extras := d.extras
		if synthesized[i] {
			confidence = SynthesizedConfidence
			extras = withExtra(extras, synthesizedKey, true)
		}
		events[i] = types.AdaptedEvent{
			Kind:       d.kind,
			TS:         resolved[i],
			Actor:      d.actor,
			Scope:      d.scope,
			Payload:    types.BuildPayload(d.payload, extras),
			Derived:    true,
			Confidence: confidence,
			Visibility: d.visibility,
			Offset:     d.offset,
		}
	}

	return &types.AdaptedSession{
		Source:     b.source,
		SessionID:  meta.sessionID,
		Goal:       goal,
		UserPrompt: b.text(b.firstPrompt),
		Repo:       meta.repo,
		Branch:     meta.branch,
		StartedAt:  events[0].TS,
		EndedAt:    events[len(events)-1].TS,
		Events:     events,
	}
}

// resolveTimes fills zero timestamps. A missing stamp is offset from the
// nearest explicit one (the earlier one on a tie); with no explicit stamps
// at all, events are spaced evenly backwards from now. Filled stamps are a
// fallback and are flagged as synthesized.
func resolveTimes(stamps []time.Time, now time.Time) ([]time.Time, []bool) {
	out := make([]time.Time, len(stamps))
	synthesized := make([]bool, len(stamps))
	var explicit []int
	for i, ts := range stamps {
		if !ts.IsZero() {
			explicit = append(explicit, i)
			out[i] = ts.UTC()
		}
	}
	if len(explicit) == 0 {
		n := len(stamps)
		for i := range stamps {
			out[i] = now.Add(-time.Duration(n-1-i) * syntheticStep).UTC()
			synthesized[i] = true
		}
		return out, synthesized
	}
	for i, ts := range stamps {
		if !ts.IsZero() {
			continue
		}
		prev, next := -1, -1
		for _, e := range explicit {
			if e < i {
				prev = e
			} else if e > i && next == -1 {
				next = e
			}
		}
		switch {
		case prev >= 0 && (next < 0 || i-prev <= next-i):
			out[i] = out[prev].Add(time.Duration(i-prev) * anchorStep)
		default:
			out[i] = out[next].Add(-time.Duration(next-i) * anchorStep)
		}
		synthesized[i] = true
	}
	return out, synthesized
}

func withExtra(extras map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(extras)+1)
	for k, v := range extras {
		out[k] = v
	}
	out[key] = value
	return out
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
