// Package ingest is the import entrypoint: select an adapter, parse the
// transcript, resolve the target session and insert the events that are
// not already there.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/user/agentrail/internal/adapter"
	"github.com/user/agentrail/internal/resolve"
	"github.com/user/agentrail/internal/state"
	"github.com/user/agentrail/internal/types"
)

// Store is the event store surface ingestion writes through.
type Store interface {
	resolve.Store
	Validate(in types.EventInput) error
	AppendBatch(ctx context.Context, id types.SessionID, inputs []types.EventInput, path types.AppendPath) ([]*types.CanonicalEvent, error)
}

type snapshotter interface {
	RebuildSnapshot(ctx context.Context, id types.SessionID) (*state.Snapshot, error)
}

// Options select the adapter and, optionally, the session to merge into.
type Options struct {
	// Adapter is a registered name, or "" / "auto" to sniff.
	Adapter        string
	MergeSessionID types.SessionID
	// SourcePath is only used for logging.
	SourcePath string
}

// Result is the externally visible outcome of one ingest call.
type Result struct {
	SessionID         types.SessionID  `json:"session_id"`
	Adapter           string           `json:"adapter"`
	MergeStrategy     resolve.Strategy `json:"merge_strategy"`
	MergeConfidence   *float64         `json:"merge_confidence,omitempty"`
	Inserted          int              `json:"inserted"`
	SkippedDuplicates int              `json:"skipped_duplicates"`
}

// Engine wires the registry, resolver and store together.
type Engine struct {
	registry *adapter.Registry
	store    Store
	resolver *resolve.Resolver
	logger   *slog.Logger
}

func New(registry *adapter.Registry, store Store, resolver *resolve.Resolver) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		resolver: resolver,
		logger:   slog.Default().With("component", "ingest"),
	}
}

// IngestFile reads path and ingests its content.
func (e *Engine) IngestFile(ctx context.Context, path string, opts Options) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WithStage(types.StageParse, fmt.Errorf("read transcript: %w", err))
	}
	if opts.SourcePath == "" {
		opts.SourcePath = path
	}
	return e.Ingest(ctx, content, opts)
}

// Ingest adapts and validates content in full before touching the store,
// and writes the novel events as one batch, so a bad transcript never
// leaves a partial import or an empty session behind. Errors carry the
// stage that produced them.
func (e *Engine) Ingest(ctx context.Context, content []byte, opts Options) (*Result, error) {
	a, err := e.registry.Select(opts.Adapter, content)
	if err != nil {
		return nil, types.WithStage(types.StageAdapterSelection, err)
	}
	sess, err := a.Adapt(content)
	if err != nil {
		return nil, types.WithStage(types.StageParse, err)
	}
	inputs := make([]types.EventInput, len(sess.Events))
	for i, ev := range sess.Events {
		inputs[i] = ev.Input()
		if err := e.store.Validate(inputs[i]); err != nil {
			return nil, types.WithStage(types.StageValidation, fmt.Errorf("%s event %d: %w", ev.Kind, i, err))
		}
	}

	res, err := e.resolver.Resolve(ctx, sess, opts.MergeSessionID)
	if err != nil {
		return nil, types.WithStage(types.StageResolve, err)
	}

	result := &Result{
		SessionID:       res.SessionID,
		Adapter:         a.Name(),
		MergeStrategy:   res.Strategy,
		MergeConfidence: res.Confidence,
	}

	existing, err := e.store.ReadSessionEvents(ctx, res.SessionID)
	if err != nil {
		return nil, types.WithStage(types.StagePersistence, err)
	}
	seen := make(map[string]bool, len(existing))
	for _, ev := range existing {
		sig, err := eventSignature(ev)
		if err != nil {
			return nil, types.WithStage(types.StagePersistence, err)
		}
		seen[sig] = true
	}

	var novel []types.EventInput
	for i, ev := range sess.Events {
		sig, err := adaptedSignature(ev)
		if err != nil {
			return nil, types.WithStage(types.StageValidation, err)
		}
		if seen[sig] {
			result.SkippedDuplicates++
			continue
		}
		novel = append(novel, inputs[i])
	}
	if _, err := e.store.AppendBatch(ctx, res.SessionID, novel, types.PathImport); err != nil {
		e.logger.Error("insert failed",
			"session_id", res.SessionID,
			"events", len(novel),
			"error", err,
		)
		stage := types.StageOf(err)
		if stage == "" || stage == types.StageResolve {
			stage = types.StagePersistence
		}
		return nil, types.WithStage(stage, fmt.Errorf("insert events: %w", err))
	}
	result.Inserted = len(novel)

	if snap, ok := e.store.(snapshotter); ok {
		if _, err := snap.RebuildSnapshot(ctx, res.SessionID); err != nil {
			e.logger.Warn("snapshot rebuild failed", "session_id", res.SessionID, "error", err)
		}
	}

	e.logger.Info("ingested transcript",
		"source", opts.SourcePath,
		"adapter", result.Adapter,
		"session_id", result.SessionID,
		"strategy", result.MergeStrategy,
		"inserted", result.Inserted,
		"skipped", result.SkippedDuplicates,
	)
	return result, nil
}
