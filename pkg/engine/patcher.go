package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultMaxAttempts is the number of attempts made for a single patch.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the sleep before the first retry. It doubles on
	// every following retry.
	DefaultBaseDelay = 200 * time.Millisecond

	maxBackoff = time.Minute
)

// RetryPolicy controls how RetryingPatcher retries failed patches.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable lists the error kinds that are worth another attempt.
	Retryable []ErrorKind
}

// DefaultRetryPolicy retries every failure a registry client can report.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Retryable:   AllErrorKinds(),
	}
}

// IsRetryable reports whether the policy retries the given error.
func (p RetryPolicy) IsRetryable(err error) bool {
	kind := KindOf(err)
	if kind == "" {
		return false
	}
	for _, k := range p.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff returns the sleep before retry number attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > maxBackoff || delay < 0 {
		delay = maxBackoff
	}
	return delay
}

// PatchOp is a single idempotent patch call.
type PatchOp struct {
	Resource ResourceType
	ID       string
	Status   string
	Call     func(ctx context.Context) error
}

// RetryingPatcher applies patch operations with bounded retries and
// exponential backoff.
type RetryingPatcher struct {
	mu       sync.RWMutex
	policy   RetryPolicy
	observer Observer
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryingPatcher creates a patcher with the given policy.
func NewRetryingPatcher(policy RetryPolicy, observer Observer) *RetryingPatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &RetryingPatcher{
		policy:   normalizePolicy(policy),
		observer: observer,
		tracer:   noop.NewTracerProvider().Tracer(""),
		sleep:    sleepContext,
	}
}

// SetPolicy replaces the retry policy. Patches in flight keep the policy
// they started with.
func (p *RetryingPatcher) SetPolicy(policy RetryPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = normalizePolicy(policy)
}

// Policy returns the current retry policy.
func (p *RetryingPatcher) Policy() RetryPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Apply runs op until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last failure is returned.
func (p *RetryingPatcher) Apply(ctx context.Context, op PatchOp) error {
	policy := p.Policy()

	ctx, span := p.tracer.Start(ctx, "resource.patch", trace.WithAttributes(
		attribute.String("resource.type", string(op.Resource)),
		attribute.String("resource.id", op.ID),
		attribute.String("resource.status", op.Status),
	))
	defer span.End()

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = op.Call(ctx)
		p.observer.PatchAttempted(op.Resource, op.Status, err, attempt+1)
		if err == nil {
			span.SetAttributes(attribute.Int("patch.attempts", attempt+1))
			return nil
		}

		if !policy.IsRetryable(err) {
			break
		}

		// Don't sleep after the last attempt
		if attempt+1 >= policy.MaxAttempts {
			break
		}

		if sleepErr := p.sleep(ctx, policy.Backoff(attempt)); sleepErr != nil {
			span.SetStatus(codes.Error, "interrupted")
			return fmt.Errorf("patch of %s %s interrupted: %w", op.Resource, op.ID, sleepErr)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, FailureMessage(err))
	return err
}

func normalizePolicy(policy RetryPolicy) RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.Retryable == nil {
		policy.Retryable = AllErrorKinds()
	}
	return policy
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
