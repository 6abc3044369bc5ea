// internal/state/store.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentrail/internal/types"
)

const defaultQueueDepth = 256

// TokenCounter estimates the token count of a text; snapshots use it.
type TokenCounter interface {
	Count(text string) int
}

// Options configure an EventStore.
type Options struct {
	// Now overrides the wall clock for defaulted timestamps.
	Now        func() time.Time
	Tokens     TokenCounter
	QueueDepth int
}

type entry struct {
	state types.SessionState
	// logSize is the log length this state was last synced with; -1
	// forces a resync from disk on the next append.
	logSize int64
}

// EventStore is the canonical JSONL event store. Each session is one
// append-only file at sessions/<id>.jsonl; the in-memory SessionState map
// is the authority for next_seq and is only touched from the write queue.
type EventStore struct {
	root    string
	index   *Index
	queue   *Queue
	schema  *eventSchema
	now     func() time.Time
	counter TokenCounter

	mu     sync.Mutex
	states map[types.SessionID]*entry
}

var (
	_ types.EventLog       = (*EventStore)(nil)
	_ types.SessionCatalog = (*EventStore)(nil)
)

// NewEventStore opens a store rooted at root and starts its write queue.
// Call Close to drain pending writes.
func NewEventStore(root string, opts Options) (*EventStore, error) {
	schema, err := newEventSchema()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &EventStore{
		root:    root,
		index:   NewIndex(root),
		queue:   NewQueue(depth),
		schema:  schema,
		now:     now,
		counter: opts.Tokens,
		states:  make(map[types.SessionID]*entry),
	}
	s.queue.Start()
	return s, nil
}

// Close drains the write queue.
func (s *EventStore) Close() error {
	s.queue.Stop()
	return nil
}

func (s *EventStore) Root() string { return s.root }

func (s *EventStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *EventStore) logPath(id types.SessionID) string {
	return filepath.Join(s.sessionsDir(), string(id)+".jsonl")
}

func (s *EventStore) snapshotPath(id types.SessionID) string {
	return filepath.Join(s.sessionsDir(), string(id)+".snapshot.json")
}

// Get returns the index record for id.
func (s *EventStore) Get(ctx context.Context, id types.SessionID) (*types.SessionMeta, error) {
	return s.index.Get(ctx, id)
}

// List returns every indexed session, most recently started first.
func (s *EventStore) List(ctx context.Context) ([]*types.SessionMeta, error) {
	return s.index.List(ctx)
}

// Exists reports whether id is a known session.
func (s *EventStore) Exists(ctx context.Context, id types.SessionID) bool {
	_, err := s.index.Get(ctx, id)
	return err == nil
}

// CreateSession registers a new session. A caller-supplied id is used
// as-is when it is not taken; otherwise one is allocated.
func (s *EventStore) CreateSession(ctx context.Context, meta types.SessionMeta) (*types.SessionState, error) {
	var created types.SessionState
	err := s.queue.Do(ctx, "create_session", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := s.now()
		if meta.StartedAt.IsZero() {
			meta.StartedAt = now
		}
		meta.StartedAt = meta.StartedAt.UTC()
		if meta.SessionID == "" {
			meta.SessionID = types.NewSessionID(meta.StartedAt)
		} else if s.taken(ctx, meta.SessionID) {
			return fmt.Errorf("session %s already exists", meta.SessionID)
		}
		meta.Status = types.SessionStatusActive
		meta.EndedAt = nil
		meta.CreatedAt = now
		meta.UpdatedAt = now

		if err := s.index.Put(ctx, meta); err != nil {
			return err
		}
		path := s.logPath(meta.SessionID)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create log: %w", err)
		}
		_ = f.Close()

		e := &entry{state: stateFromMeta(&meta), logSize: 0}
		e.state.NextSeq = 1
		s.states[meta.SessionID] = e
		created = e.state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *EventStore) taken(ctx context.Context, id types.SessionID) bool {
	if _, ok := s.states[id]; ok {
		return true
	}
	if s.Exists(ctx, id) {
		return true
	}
	_, err := os.Stat(s.logPath(id))
	return err == nil
}

// CreateEvent validates input and materializes it as the next event of
// st. It touches nothing on disk. st.NextSeq advances only when the event
// is valid, so a rejected input never leaves a hole in the sequence.
func (s *EventStore) CreateEvent(st *types.SessionState, in types.EventInput) (*types.CanonicalEvent, error) {
	return createEvent(st, in, s.now())
}

func createEvent(st *types.SessionState, in types.EventInput, now time.Time) (*types.CanonicalEvent, error) {
	if !in.Kind.Valid() {
		return nil, &types.SchemaValidationError{Reason: fmt.Sprintf("unknown kind %q", in.Kind)}
	}
	if !in.Actor.Type.Valid() {
		return nil, &types.SchemaValidationError{Reason: fmt.Sprintf("unknown actor type %q", in.Actor.Type)}
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = types.VisibilityRaw
	}
	if !visibility.Valid() {
		return nil, &types.SchemaValidationError{Reason: fmt.Sprintf("unknown visibility %q", visibility)}
	}
	confidence := 1.0
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, &types.InvalidConfidenceError{Value: confidence}
	}
	ts := now.UTC()
	if raw := strings.TrimSpace(in.TS); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, &types.InvalidTimestampError{Value: in.TS, Err: err}
		}
		ts = parsed.UTC()
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := types.ValidatePayload(in.Kind, payload); err != nil {
		return nil, err
	}

	seq := st.NextSeq
	if seq < 1 {
		seq = 1
	}
	ev := &types.CanonicalEvent{
		ID:            types.NewEventID(st.SessionID, seq),
		SessionID:     st.SessionID,
		Seq:           seq,
		TS:            ts,
		Kind:          in.Kind,
		Actor:         in.Actor,
		Scope:         in.Scope,
		Payload:       payload,
		Derived:       in.Derived,
		Confidence:    confidence,
		Visibility:    visibility,
		SchemaVersion: types.SchemaVersion,
	}
	st.NextSeq = seq + 1
	if in.Kind == types.KindIntent {
		if id, ok := payload["intent_id"].(string); ok {
			st.ActiveIntentID = types.IntentID(id)
		}
	}
	return ev, nil
}

// Validate runs every check an append would, against a scratch state,
// without touching the log. Callers use it to reject a whole batch before
// creating anything.
func (s *EventStore) Validate(in types.EventInput) error {
	scratch := types.SessionState{SessionID: "validate", NextSeq: 1}
	ev, err := createEvent(&scratch, in, s.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.schema.validate(data)
}

// PersistEvent schema-checks a created event and appends it through the
// write queue. It follows live-path rules: an ended session rejects it,
// and ev.Seq must be the log's next seq, so two events created from stale
// copies of the same state cannot both land. Prefer Append, which creates
// and persists in one queued op.
func (s *EventStore) PersistEvent(ctx context.Context, ev *types.CanonicalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.schema.validate(data); err != nil {
		return err
	}
	return s.queue.Do(ctx, "persist_event", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		e, err := s.load(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		logPath := s.logPath(ev.SessionID)
		return withFileLock(logPath, func() error {
			if err := s.resync(e, logPath); err != nil {
				return err
			}
			if err := s.refreshEnded(ctx, e); err != nil {
				return err
			}
			if e.state.Closed() {
				return &types.SessionClosedError{SessionID: ev.SessionID}
			}
			if ev.Seq != e.state.NextSeq {
				return &types.SeqConflictError{SessionID: ev.SessionID, Seq: ev.Seq, Want: e.state.NextSeq}
			}
			n, err := appendLine(logPath, data)
			if err != nil {
				e.logSize = -1
				return err
			}
			applyLog(&e.state, []*types.CanonicalEvent{ev})
			e.logSize += n
			return nil
		})
	})
}

// Append creates and persists one event in a single queued op, so seq
// assignment and the byte write can never interleave with another writer.
// Live appends to an ended session fail with SessionClosedError.
func (s *EventStore) Append(ctx context.Context, id types.SessionID, in types.EventInput, path types.AppendPath) (*types.CanonicalEvent, error) {
	events, err := s.AppendBatch(ctx, id, []types.EventInput{in}, path)
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// AppendBatch creates every event first and writes them with one append
// only when all of them are valid. A rejected input leaves the log and
// next_seq untouched.
func (s *EventStore) AppendBatch(ctx context.Context, id types.SessionID, inputs []types.EventInput, path types.AppendPath) ([]*types.CanonicalEvent, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var out []*types.CanonicalEvent
	err := s.queue.Do(ctx, "append", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		e, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		logPath := s.logPath(id)
		return withFileLock(logPath, func() error {
			if err := s.resync(e, logPath); err != nil {
				return err
			}
			if path == types.PathLive {
				if err := s.refreshEnded(ctx, e); err != nil {
					return err
				}
				if e.state.Closed() {
					return &types.SessionClosedError{SessionID: id}
				}
			}

			next := e.state
			events := make([]*types.CanonicalEvent, 0, len(inputs))
			var buf []byte
			for i, in := range inputs {
				if path == types.PathLive && in.Scope == nil && next.ActiveIntentID != "" && in.Kind != types.KindSessionStart {
					in.Scope = &types.Scope{IntentID: next.ActiveIntentID}
				}
				ev, err := createEvent(&next, in, s.now())
				if err != nil {
					return batchError(i, len(inputs), err)
				}
				data, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("marshal event: %w", err)
				}
				if err := s.schema.validate(data); err != nil {
					return batchError(i, len(inputs), err)
				}
				if buf != nil {
					buf = append(buf, '\n')
				}
				buf = append(buf, data...)
				events = append(events, ev)
			}
			n, err := appendLine(logPath, buf)
			if err != nil {
				e.logSize = -1
				return err
			}
			e.state = next
			e.logSize += n
			out = events
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func batchError(i, n int, err error) error {
	if n == 1 {
		return err
	}
	return fmt.Errorf("event %d: %w", i, err)
}

// refreshEnded picks up an end recorded by another process since this
// entry was loaded. Caller holds s.mu.
func (s *EventStore) refreshEnded(ctx context.Context, e *entry) error {
	if e.state.Closed() {
		return nil
	}
	meta, err := s.index.Get(ctx, e.state.SessionID)
	if err != nil {
		return err
	}
	if meta.EndedAt != nil {
		ended := *meta.EndedAt
		e.state.EndedAt = &ended
	}
	return nil
}

// resync reloads next_seq from the log tail when the file changed behind
// this process (another process appended, or a prior write failed).
func (s *EventStore) resync(e *entry, path string) error {
	size, err := fileSize(path)
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	if size == e.logSize {
		return nil
	}
	events, err := readLog(path, e.state.SessionID)
	if err != nil {
		return err
	}
	applyLog(&e.state, events)
	e.logSize = size
	return nil
}

// load returns the cached entry for id, building it from the index and
// the log on first use. Caller holds s.mu.
func (s *EventStore) load(ctx context.Context, id types.SessionID) (*entry, error) {
	if e, ok := s.states[id]; ok {
		return e, nil
	}
	meta, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e := &entry{state: stateFromMeta(meta), logSize: -1}
	e.state.NextSeq = 1
	s.states[id] = e
	return e, nil
}

// ReadSessionEvents returns the full log ordered by (seq, ts).
func (s *EventStore) ReadSessionEvents(ctx context.Context, id types.SessionID) ([]*types.CanonicalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.logPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !s.Exists(ctx, id) {
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat log: %w", err)
		}
		return nil, nil
	}
	var events []*types.CanonicalEvent
	err := withFileLock(path, func() error {
		var err error
		events, err = readLog(path, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// EndSession marks the session ended. Ending an ended session is a no-op.
func (s *EventStore) EndSession(ctx context.Context, id types.SessionID, endedAt time.Time) error {
	return s.queue.Do(ctx, "end_session", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		e, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := s.refreshEnded(ctx, e); err != nil {
			return err
		}
		if e.state.Closed() {
			return nil
		}
		if endedAt.IsZero() {
			endedAt = s.now()
		}
		endedAt = endedAt.UTC()
		if err := s.index.Update(ctx, id, func(meta *types.SessionMeta) {
			meta.Status = types.SessionStatusEnded
			meta.EndedAt = &endedAt
		}); err != nil {
			return err
		}
		e.state.EndedAt = &endedAt
		return nil
	})
}

// State returns a copy of the session's in-memory state, syncing it with
// the log first.
func (s *EventStore) State(ctx context.Context, id types.SessionID) (*types.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	logPath := s.logPath(id)
	if err := withFileLock(logPath, func() error { return s.resync(e, logPath) }); err != nil {
		return nil, err
	}
	st := e.state
	return &st, nil
}

func stateFromMeta(meta *types.SessionMeta) types.SessionState {
	st := types.SessionState{
		SessionID:  meta.SessionID,
		Goal:       meta.Goal,
		UserPrompt: meta.UserPrompt,
		Repo:       meta.Repo,
		Branch:     meta.Branch,
		Source:     meta.Source,
		StartedAt:  meta.StartedAt,
	}
	if meta.EndedAt != nil {
		ended := *meta.EndedAt
		st.EndedAt = &ended
	}
	return st
}

// applyLog sets next_seq and the active intent from a parsed log.
func applyLog(st *types.SessionState, events []*types.CanonicalEvent) {
	st.NextSeq = 1
	if n := len(events); n > 0 {
		st.NextSeq = events[n-1].Seq + 1
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == types.KindIntent {
			if id, ok := events[i].Payload["intent_id"].(string); ok {
				st.ActiveIntentID = types.IntentID(id)
			}
			break
		}
	}
}

// readLog parses every line of a session log. Any malformed record is a
// CorruptLogError naming the file and line.
func readLog(path string, id types.SessionID) ([]*types.CanonicalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var events []*types.CanonicalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var ev types.CanonicalEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &types.CorruptLogError{Path: path, Line: line, Err: err}
		}
		if ev.SessionID != id {
			return nil, &types.CorruptLogError{Path: path, Line: line, Err: fmt.Errorf("record belongs to session %s", ev.SessionID)}
		}
		if ev.Seq < 1 {
			return nil, &types.CorruptLogError{Path: path, Line: line, Err: errors.New("missing seq")}
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, &types.CorruptLogError{Path: path, Line: line + 1, Err: err}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Seq != events[j].Seq {
			return events[i].Seq < events[j].Seq
		}
		return events[i].TS.Before(events[j].TS)
	})
	return events, nil
}
