// internal/types/models.go
package types

import (
	"time"
)

// SchemaVersion is stamped on every persisted event.
const SchemaVersion = 1

type Kind string

const (
	KindSessionStart    Kind = "session_start"
	KindIntent          Kind = "intent"
	KindToolCall        Kind = "tool_call"
	KindArtifactCreated Kind = "artifact_created"
	KindTokenUsage      Kind = "token_usage_checkpoint"
	KindSessionEnd      Kind = "session_end"
	KindFileOp          Kind = "file_op"
	KindDecision        Kind = "decision"
	KindVerification    Kind = "verification"
)

// Kinds lists the closed vocabulary for SchemaVersion 1.
var Kinds = []Kind{
	KindSessionStart,
	KindIntent,
	KindToolCall,
	KindArtifactCreated,
	KindTokenUsage,
	KindSessionEnd,
	KindFileOp,
	KindDecision,
	KindVerification,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorTool   ActorType = "tool"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorAgent, ActorUser, ActorSystem, ActorTool:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityRaw    Visibility = "raw"
	VisibilityReview Visibility = "review"
	VisibilityDebug  Visibility = "debug"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityRaw, VisibilityReview, VisibilityDebug:
		return true
	}
	return false
}

type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

type Scope struct {
	IntentID IntentID `json:"intent_id,omitempty"`
	File     string   `json:"file,omitempty"`
	Module   string   `json:"module,omitempty"`
}

// CanonicalEvent is the only persisted unit: one JSON line per event.
type CanonicalEvent struct {
	ID            EventID        `json:"id"`
	SessionID     SessionID      `json:"session_id"`
	Seq           int64          `json:"seq"`
	TS            time.Time      `json:"ts"`
	Kind          Kind           `json:"kind"`
	Actor         Actor          `json:"actor"`
	Scope         *Scope         `json:"scope,omitempty"`
	Payload       map[string]any `json:"payload"`
	Derived       bool           `json:"derived"`
	Confidence    float64        `json:"confidence"`
	Visibility    Visibility     `json:"visibility"`
	SchemaVersion int            `json:"schema_version"`
}

// IntentID returns the scope intent id, or "" when the event is unscoped.
func (e *CanonicalEvent) IntentID() IntentID {
	if e.Scope == nil {
		return ""
	}
	return e.Scope.IntentID
}

// AppendPath distinguishes the two ingestion paths. Live appends are
// rejected once a session has ended; imports may still backfill it.
type AppendPath string

const (
	PathLive   AppendPath = "live"
	PathImport AppendPath = "import"
)

// EventInput is what callers hand the store before a seq is assigned.
// TS is optional; empty means "now".
type EventInput struct {
	Kind       Kind
	TS         string
	Actor      Actor
	Scope      *Scope
	Payload    map[string]any
	Derived    bool
	Confidence *float64
	Visibility Visibility
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// SessionMeta is the durable index record for one session.
type SessionMeta struct {
	SessionID       SessionID  `json:"session_id"`
	Goal            string     `json:"goal"`
	UserPrompt      string     `json:"user_prompt,omitempty"`
	Repo            string     `json:"repo,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	Source          string     `json:"source,omitempty"`
	SourceSessionID string     `json:"source_session_id,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionState is the in-memory authority for a session open for writes.
type SessionState struct {
	SessionID      SessionID
	Goal           string
	UserPrompt     string
	Repo           string
	Branch         string
	Source         string
	StartedAt      time.Time
	EndedAt        *time.Time
	NextSeq        int64
	ActiveIntentID IntentID
}

func (s *SessionState) Closed() bool {
	return s.EndedAt != nil
}

// AdaptedEvent is adapter output; it has no seq until inserted.
type AdaptedEvent struct {
	Kind       Kind
	TS         time.Time
	Actor      Actor
	Scope      *Scope
	Payload    map[string]any
	Derived    bool
	Confidence float64
	Visibility Visibility
	// Offset is the record index or byte offset in the source transcript.
	Offset int
}

func (e AdaptedEvent) IntentID() IntentID {
	if e.Scope == nil {
		return ""
	}
	return e.Scope.IntentID
}

// Input converts the adapted event into a store append request.
func (e AdaptedEvent) Input() EventInput {
	confidence := e.Confidence
	in := EventInput{
		Kind:       e.Kind,
		Actor:      e.Actor,
		Scope:      e.Scope,
		Payload:    e.Payload,
		Derived:    e.Derived,
		Confidence: &confidence,
		Visibility: e.Visibility,
	}
	if !e.TS.IsZero() {
		in.TS = e.TS.UTC().Format(time.RFC3339Nano)
	}
	return in
}

type AdaptedSession struct {
	Source     string
	SessionID  SessionID
	Goal       string
	UserPrompt string
	Repo       string
	Branch     string
	StartedAt  time.Time
	EndedAt    time.Time
	Events     []AdaptedEvent
}
