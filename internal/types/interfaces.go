// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// SessionCatalog reads the session index. Get returns ErrSessionNotFound
// for unknown ids.
type SessionCatalog interface {
	Get(ctx context.Context, id SessionID) (*SessionMeta, error)
	List(ctx context.Context) ([]*SessionMeta, error)
}

// EventLog is the canonical per-session event store.
type EventLog interface {
	CreateSession(ctx context.Context, meta SessionMeta) (*SessionState, error)
	Append(ctx context.Context, id SessionID, in EventInput, path AppendPath) (*CanonicalEvent, error)
	ReadSessionEvents(ctx context.Context, id SessionID) ([]*CanonicalEvent, error)
	EndSession(ctx context.Context, id SessionID, endedAt time.Time) error
}
