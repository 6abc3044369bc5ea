// internal/types/ids.go
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionID string
type EventID string
type IntentID string

// sessionEpochPattern matches ids of the form sess_<epoch>_<suffix>, where
// epoch is 10 digits of seconds or 13 of milliseconds.
var sessionEpochPattern = regexp.MustCompile(`^sess_(\d{10}|\d{13})_`)

// NewSessionID returns an id that embeds the session start as epoch
// milliseconds so file discovery can recover it without opening the log.
func NewSessionID(startedAt time.Time) SessionID {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return SessionID(fmt.Sprintf("sess_%d_%s", startedAt.UnixMilli(), shortUUID()))
}

// NewEventID derives an event id from its session, sequence and a random suffix.
func NewEventID(sessionID SessionID, seq int64) EventID {
	return EventID(fmt.Sprintf("%s-%d-%s", sessionID, seq, shortUUID()))
}

// NewIntentID is content-derived: the same user text at the same ordinal
// position always yields the same id, so re-imports group identically.
func NewIntentID(text string, ordinal int) IntentID {
	sum := sha256.Sum256([]byte(NormalizeText(text) + "#" + strconv.Itoa(ordinal)))
	return IntentID("int_" + hex.EncodeToString(sum[:])[:12])
}

// SessionEpoch extracts the start time embedded in a session id or file name.
func SessionEpoch(name string) (time.Time, bool) {
	m := sessionEpochPattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	// 10 digits is seconds, 13 is milliseconds.
	if len(m[1]) == 10 {
		return time.Unix(n, 0).UTC(), true
	}
	return time.UnixMilli(n).UTC(), true
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
