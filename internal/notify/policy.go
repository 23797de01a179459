// Package notify centrally governs user-facing notifications and the retry
// windows around them. Every notification, and every decision to convert a
// stale timeout into a failure, passes through the Policy first.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jwhitmore/trackdown/internal/cache"
)

// Events evaluated against the policy.
const (
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventBatchDone    = "batch_done"
	EventImportFailed = "import_failed"
	// EventTimeout gates the reaper's conversion of a stale job into a
	// failure; ShouldNotify=false grants one deadline extension instead.
	EventTimeout = "timeout"
)

// Decision is the policy's answer for one job/event pair.
type Decision struct {
	ShouldNotify bool
	Reason       string
}

// Policy decides whether a job/event pair should produce a user-visible
// action now, or be suppressed because one already happened recently.
type Policy interface {
	Evaluate(ctx context.Context, jobID uuid.UUID, event string) (Decision, error)
}

// RedisPolicy implements Policy with per-job/event windows in Redis.
type RedisPolicy struct {
	cache  cache.Cache
	window time.Duration
}

func NewRedisPolicy(c cache.Cache, window time.Duration) *RedisPolicy {
	return &RedisPolicy{cache: c, window: window}
}

func (p *RedisPolicy) Evaluate(ctx context.Context, jobID uuid.UUID, event string) (Decision, error) {
	if event == EventTimeout {
		return p.evaluateTimeout(ctx, jobID)
	}

	set, err := p.cache.SetNX(ctx, cache.NotifyKey(jobID, event), []byte("1"), p.window)
	if err != nil {
		// Fail open: a lost suppression window beats a lost notification.
		return Decision{ShouldNotify: true, Reason: "policy cache unavailable"}, fmt.Errorf("evaluate notify window: %w", err)
	}
	if !set {
		return Decision{ShouldNotify: false, Reason: "already notified within window"}, nil
	}
	return Decision{ShouldNotify: true, Reason: "first notification in window"}, nil
}

// evaluateTimeout grants exactly one extension per window so the external
// service's internal retry gets a chance to recover the download before we
// declare it failed.
func (p *RedisPolicy) evaluateTimeout(ctx context.Context, jobID uuid.UUID) (Decision, error) {
	set, err := p.cache.SetNX(ctx, cache.TimeoutExtensionKey(jobID), []byte("1"), p.window)
	if err != nil {
		// Fail toward acting: a job stuck forever is worse than an early failure.
		return Decision{ShouldNotify: true, Reason: "policy cache unavailable"}, fmt.Errorf("evaluate timeout window: %w", err)
	}
	if set {
		return Decision{ShouldNotify: false, Reason: "within external retry window"}, nil
	}
	return Decision{ShouldNotify: true, Reason: "retry window elapsed"}, nil
}
