package watcher

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/user/agentrail/internal/types"
)

// RetryPolicy controls how failed fragment files are retried with
// exponential backoff.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with 5s initial delay, 2x
// multiplier, 10m max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialDelay: 5 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Minute,
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// isRetryable separates failures that may clear on their own (disk, lock
// contention) from ones that need the file itself to change.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var closed *types.SessionClosedError
	var corrupt *types.CorruptLogError
	if errors.As(err, &closed) || errors.As(err, &corrupt) {
		return false
	}
	switch types.StageOf(err) {
	case types.StageParse, types.StageValidation, types.StageAdapterSelection:
		return false
	}
	return true
}

type failure struct {
	attempts  int
	modTime   time.Time
	next      time.Time
	permanent bool
	err       error
}

// failures tracks per-file backoff. A file whose mtime changes starts over.
type failures struct {
	mu     sync.Mutex
	policy *RetryPolicy
	files  map[string]*failure
}

func newFailures(policy *RetryPolicy) *failures {
	return &failures{policy: policy, files: make(map[string]*failure)}
}

// due reports whether path should be attempted now.
func (f *failures) due(path string, modTime, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.files[path]
	if !ok {
		return true
	}
	if !rec.modTime.Equal(modTime) {
		delete(f.files, path)
		return true
	}
	if rec.permanent {
		return false
	}
	return !now.Before(rec.next)
}

// record notes a failed attempt and returns when the next one is due.
// Permanent failures return the zero time.
func (f *failures) record(path string, modTime, now time.Time, err error) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.files[path]
	if !ok || !rec.modTime.Equal(modTime) {
		rec = &failure{modTime: modTime}
		f.files[path] = rec
	}
	rec.attempts++
	rec.err = err
	if !isRetryable(err) {
		rec.permanent = true
		return time.Time{}
	}
	rec.next = now.Add(f.policy.NextDelay(rec.attempts))
	return rec.next
}

func (f *failures) clear(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

func (f *failures) attempts(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.files[path]; ok {
		return rec.attempts
	}
	return 0
}
