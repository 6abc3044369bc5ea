// Package resolve decides which canonical session an adapted transcript
// belongs to.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentrail/internal/types"
)

// Strategy names how a target session was chosen.
type Strategy string

const (
	StrategyExplicitMerge    Strategy = "explicit_merge"
	StrategyAdaptedSessionID Strategy = "adapted_session_id"
	StrategyFingerprintMatch Strategy = "fingerprint_match"
	StrategyNewSession       Strategy = "new_session"
)

const (
	DefaultMinConfidence = 0.75
	DefaultTimeWindow    = 6 * time.Hour
	DefaultTextWeight    = 0.7

	candidateConcurrency = 4
)

// Store is what the resolver needs from the event store. It only reads,
// apart from CreateSession on the new_session path.
type Store interface {
	types.SessionCatalog
	CreateSession(ctx context.Context, meta types.SessionMeta) (*types.SessionState, error)
	ReadSessionEvents(ctx context.Context, id types.SessionID) ([]*types.CanonicalEvent, error)
}

// Options tune fingerprint matching.
type Options struct {
	MinConfidence float64
	TimeWindow    time.Duration
	TextWeight    float64
}

func (o Options) withDefaults() Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.TimeWindow <= 0 {
		o.TimeWindow = DefaultTimeWindow
	}
	if o.TextWeight <= 0 || o.TextWeight > 1 {
		o.TextWeight = DefaultTextWeight
	}
	return o
}

// Resolution is the resolver's decision.
type Resolution struct {
	SessionID  types.SessionID
	Strategy   Strategy
	Confidence *float64
	Created    bool
}

type Resolver struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

func New(store Store, opts Options) *Resolver {
	return &Resolver{
		store:  store,
		opts:   opts.withDefaults(),
		logger: slog.Default().With("component", "resolver"),
	}
}

// Resolve walks the precedence chain: explicit merge id, then an existing
// session carrying the adapter's id, then the best fingerprint match, and
// finally a new session. Each step runs only when the previous one does
// not apply.
func (r *Resolver) Resolve(ctx context.Context, sess *types.AdaptedSession, mergeID types.SessionID) (*Resolution, error) {
	if mergeID != "" {
		if _, err := r.store.Get(ctx, mergeID); err != nil {
			return nil, fmt.Errorf("merge target %s: %w", mergeID, err)
		}
		return &Resolution{SessionID: mergeID, Strategy: StrategyExplicitMerge}, nil
	}

	candidates, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if id, ok := directMatch(sess, candidates); ok {
		return &Resolution{SessionID: id, Strategy: StrategyAdaptedSessionID}, nil
	}

	best, score, err := r.fingerprint(ctx, sess, candidates)
	if err != nil {
		return nil, err
	}
	if best != "" && score >= r.opts.MinConfidence {
		r.logger.Debug("fingerprint match", "session_id", best, "score", score)
		return &Resolution{SessionID: best, Strategy: StrategyFingerprintMatch, Confidence: &score}, nil
	}

	st, err := r.store.CreateSession(ctx, types.SessionMeta{
		Goal:            sess.Goal,
		UserPrompt:      sess.UserPrompt,
		Repo:            sess.Repo,
		Branch:          sess.Branch,
		Source:          sess.Source,
		SourceSessionID: string(sess.SessionID),
		StartedAt:       sess.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Resolution{SessionID: st.SessionID, Strategy: StrategyNewSession, Created: true}, nil
}

// directMatch finds a pre-existing session whose id, or recorded source
// id, equals the adapter's suggested id. It never invents a session.
func directMatch(sess *types.AdaptedSession, candidates []*types.SessionMeta) (types.SessionID, bool) {
	if sess.SessionID == "" {
		return "", false
	}
	for _, c := range candidates {
		if c.SessionID == sess.SessionID {
			return c.SessionID, true
		}
	}
	for _, c := range candidates {
		if c.SourceSessionID != "" && c.SourceSessionID == string(sess.SessionID) && c.Source == sess.Source {
			return c.SessionID, true
		}
	}
	return "", false
}

type scored struct {
	id    types.SessionID
	score float64
}

func (r *Resolver) fingerprint(ctx context.Context, sess *types.AdaptedSession, candidates []*types.SessionMeta) (types.SessionID, float64, error) {
	prompt := types.NormalizeText(sess.UserPrompt)
	if prompt == "" || len(candidates) == 0 {
		return "", 0, nil
	}

	results := make([]scored, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(candidateConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			other, err := r.openingPrompt(gctx, c)
			if err != nil {
				return err
			}
			if other == "" {
				return nil
			}
			results[i] = scored{id: c.SessionID, score: Score(prompt, other, sess.StartedAt, c.StartedAt, r.opts)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, fmt.Errorf("load candidates: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	if results[0].id == "" {
		return "", 0, nil
	}
	return results[0].id, results[0].score, nil
}

// openingPrompt prefers the indexed prompt and falls back to the first
// intent in the log.
func (r *Resolver) openingPrompt(ctx context.Context, c *types.SessionMeta) (string, error) {
	if p := strings.TrimSpace(c.UserPrompt); p != "" {
		return p, nil
	}
	events, err := r.store.ReadSessionEvents(ctx, c.SessionID)
	if err != nil {
		var corrupt *types.CorruptLogError
		if errors.As(err, &corrupt) || errors.Is(err, types.ErrSessionNotFound) {
			r.logger.Warn("skipping candidate", "session_id", c.SessionID, "error", err)
			return "", nil
		}
		return "", err
	}
	for _, ev := range events {
		if ev.Kind == types.KindIntent {
			text, _ := ev.Payload["text"].(string)
			return text, nil
		}
	}
	return "", nil
}

// Score combines token-set overlap of two prompts with how close the
// sessions started. No shared tokens means no match regardless of time.
func Score(a, b string, startA, startB time.Time, opts Options) float64 {
	opts = opts.withDefaults()
	overlap := Overlap(a, b)
	if overlap == 0 {
		return 0
	}
	proximity := 0.0
	if !startA.IsZero() && !startB.IsZero() {
		delta := math.Abs(float64(startA.Sub(startB)))
		proximity = math.Max(0, 1-delta/float64(opts.TimeWindow))
	}
	return opts.TextWeight*overlap + (1-opts.TextWeight)*proximity
}

// Overlap is |A∩B| / max(|A|,|B|) over normalized token sets.
func Overlap(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	return float64(shared) / float64(max(len(setA), len(setB)))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(types.NormalizeText(s)) {
		set[tok] = true
	}
	return set
}
