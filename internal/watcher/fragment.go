package watcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/user/agentrail/internal/types"
)

const fragmentSource = "live"

// Fragment is one file dropped by a live producer.
type Fragment struct {
	SessionID   types.SessionID `json:"session_id"`
	StartedAt   string          `json:"started_at,omitempty"`
	Title       string          `json:"title,omitempty"`
	UserMessage string          `json:"user_message,omitempty"`
	Events      []FragmentEvent `json:"events"`
}

// FragmentEvent accepts "type" as an alias of "kind".
type FragmentEvent struct {
	Type       types.Kind       `json:"type,omitempty"`
	Kind       types.Kind       `json:"kind,omitempty"`
	TS         string           `json:"ts,omitempty"`
	Actor      *types.Actor     `json:"actor,omitempty"`
	Scope      *types.Scope     `json:"scope,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	Visibility types.Visibility `json:"visibility,omitempty"`
}

func (e FragmentEvent) kind() types.Kind {
	if e.Kind != "" {
		return e.Kind
	}
	return e.Type
}

// endMarker reports whether the event is the session_end control marker.
// Markers end the session and are never stored.
func (e FragmentEvent) endMarker() bool {
	return e.kind() == types.KindSessionEnd
}

// ParseFragment decodes and checks a fragment without touching the store.
func ParseFragment(data []byte) (*Fragment, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var f Fragment
	if err := dec.Decode(&f); err != nil {
		return nil, &types.ParseError{Adapter: "fragment", Reason: "malformed JSON", Err: err}
	}
	if strings.TrimSpace(string(f.SessionID)) == "" {
		return nil, &types.ParseError{Adapter: "fragment", Reason: "missing session_id"}
	}
	if f.StartedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, f.StartedAt); err != nil {
			return nil, &types.InvalidTimestampError{Value: f.StartedAt, Err: err}
		}
	}
	for i, ev := range f.Events {
		if ev.endMarker() {
			continue
		}
		if _, err := ev.input(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return &f, nil
}

// input builds the live append request. Kind, actor and payload are
// checked here so a bad event rejects the whole file before any write.
func (e FragmentEvent) input() (types.EventInput, error) {
	kind := e.kind()
	if !kind.Valid() {
		return types.EventInput{}, &types.SchemaValidationError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	actor := defaultActor(kind)
	if e.Actor != nil {
		actor = *e.Actor
	}
	if !actor.Type.Valid() {
		return types.EventInput{}, &types.SchemaValidationError{Reason: fmt.Sprintf("unknown actor type %q", actor.Type)}
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := types.ValidatePayload(kind, payload); err != nil {
		return types.EventInput{}, err
	}
	return types.EventInput{
		Kind:       kind,
		TS:         e.TS,
		Actor:      actor,
		Scope:      e.Scope,
		Payload:    payload,
		Confidence: e.Confidence,
		Visibility: e.Visibility,
	}, nil
}

func defaultActor(kind types.Kind) types.Actor {
	switch kind {
	case types.KindIntent:
		return types.Actor{Type: types.ActorUser}
	case types.KindSessionStart, types.KindSessionEnd, types.KindTokenUsage:
		return types.Actor{Type: types.ActorSystem}
	}
	return types.Actor{Type: types.ActorAgent}
}

// goal picks the session goal for a fragment that opens a session.
func (f *Fragment) goal() string {
	if t := strings.TrimSpace(f.Title); t != "" {
		return t
	}
	if line, _, _ := strings.Cut(strings.TrimSpace(f.UserMessage), "\n"); line != "" {
		return line
	}
	return "Live session " + string(f.SessionID)
}

func (f *Fragment) startedAt(now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, f.StartedAt); err == nil {
		return t.UTC()
	}
	return now
}

// endedAt is the ts of the end marker, or now.
func (f *Fragment) endedAt(now time.Time) (time.Time, bool) {
	for _, ev := range f.Events {
		if !ev.endMarker() {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, ev.TS); err == nil {
			return t.UTC(), true
		}
		return now, true
	}
	return time.Time{}, false
}
