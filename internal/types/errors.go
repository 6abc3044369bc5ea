package types

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the pipeline step an error came from so operators can tell
// a wrong adapter from bad input from a disk problem.
type Stage string

const (
	StageAdapterSelection Stage = "adapter_selection"
	StageParse            Stage = "parse"
	StageResolve          Stage = "resolve"
	StageValidation       Stage = "validation"
	StagePersistence      Stage = "persistence"
)

var ErrSessionNotFound = errors.New("session not found")

type AdapterNotFoundError struct {
	Name string
}

func (e *AdapterNotFoundError) Error() string {
	return fmt.Sprintf("adapter not found: %s", e.Name)
}

type NoMatchingAdapterError struct {
	Tried []string
}

func (e *NoMatchingAdapterError) Error() string {
	return fmt.Sprintf("no adapter matched the input (tried %s)", strings.Join(e.Tried, ", "))
}

type ParseError struct {
	Adapter string
	Line    int
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Adapter)
	b.WriteString(": parse")
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

type InvalidTimestampError struct {
	Value string
	Err   error
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("invalid timestamp %q: %v", e.Value, e.Err)
}

func (e *InvalidTimestampError) Unwrap() error { return e.Err }

type InvalidConfidenceError struct {
	Value float64
}

func (e *InvalidConfidenceError) Error() string {
	return fmt.Sprintf("confidence %v outside [0,1]", e.Value)
}

type SessionClosedError struct {
	SessionID SessionID
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s has ended and rejects live appends", e.SessionID)
}

type CorruptLogError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt log %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *CorruptLogError) Unwrap() error { return e.Err }

// SeqConflictError rejects a created event whose seq is not the next one
// in the log, typically because it was created from a stale state.
type SeqConflictError struct {
	SessionID SessionID
	Seq       int64
	Want      int64
}

func (e *SeqConflictError) Error() string {
	return fmt.Sprintf("session %s: event seq %d conflicts with log, next seq is %d", e.SessionID, e.Seq, e.Want)
}

type SchemaValidationError struct {
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return "schema validation failed: " + e.Reason
}

// StageError tags an error with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// WithStage wraps err with stage unless it already carries one.
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var staged *StageError
	if errors.As(err, &staged) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the explicit stage of err, falling back to the stage
// implied by the taxonomy type.
func StageOf(err error) Stage {
	if err == nil {
		return ""
	}
	var staged *StageError
	if errors.As(err, &staged) {
		return staged.Stage
	}
	var (
		notFound   *AdapterNotFoundError
		noMatch    *NoMatchingAdapterError
		parseErr   *ParseError
		tsErr      *InvalidTimestampError
		confErr    *InvalidConfidenceError
		schemaErr  *SchemaValidationError
		closedErr  *SessionClosedError
		corruptErr *CorruptLogError
		seqErr     *SeqConflictError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noMatch):
		return StageAdapterSelection
	case errors.As(err, &parseErr):
		return StageParse
	case errors.As(err, &tsErr), errors.As(err, &confErr), errors.As(err, &schemaErr):
		return StageValidation
	case errors.As(err, &closedErr), errors.As(err, &corruptErr), errors.As(err, &seqErr):
		return StagePersistence
	case errors.Is(err, ErrSessionNotFound):
		return StageResolve
	}
	return ""
}
