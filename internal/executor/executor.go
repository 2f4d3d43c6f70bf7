// Package executor runs a single capability invocation with bounded
// retries and exponential backoff. Failures never escape as errors:
// every run produces an [Outcome], and the orchestrator decides what a
// capability-level failure means for the request as a whole.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/melvinsewak/herald/internal/capability"
	"github.com/melvinsewak/herald/internal/events"
	"github.com/melvinsewak/herald/internal/history"
)

// Status tags the terminal state of one capability invocation.
type Status string

// Outcome statuses.
const (
	// StatusSuccess means the handler returned a result.
	StatusSuccess Status = "success"
	// StatusRetryExhausted means every attempt failed with a transient error.
	StatusRetryExhausted Status = "retry_exhausted"
	// StatusFatal means the handler signalled a non-retryable failure.
	StatusFatal Status = "fatal"
	// StatusCancelled means the request was cancelled mid-flight. Not a
	// success/failure binary — a distinct terminal state.
	StatusCancelled Status = "cancelled"
	// StatusNoMatch is the sentinel status the orchestrator uses when no
	// capability matched a request. The executor never produces it.
	StatusNoMatch Status = "no_match"
)

// Outcome is the result record of one capability invocation. Always
// produced, never thrown; immutable once returned.
type Outcome struct {
	Capability string        `json:"capability"`
	Status     Status        `json:"status"`
	Text       string        `json:"text,omitempty"`
	Err        string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
	// SizeUnits is the size estimate of the produced text, in the same
	// size-units the history buffer accounts in.
	SizeUnits int `json:"size_units"`
}

// Success reports whether the invocation produced a result.
func (o Outcome) Success() bool {
	return o.Status == StatusSuccess
}

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total attempt budget per invocation (>= 1).
	MaxAttempts int
	// BaseDelay is the first retry delay; attempt n waits
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration
	// Timeout bounds each attempt when the request carries no timeout
	// of its own. Zero disables the per-attempt deadline.
	Timeout time.Duration
}

// Executor runs capability handlers with retry, backoff, and timeout.
// Safe for concurrent use; one executor serves all capabilities.
type Executor struct {
	logger *slog.Logger
	cfg    Config
	bus    *events.Bus
}

// New creates an executor. MaxAttempts below 1 is raised to 1 and a
// non-positive BaseDelay falls back to 100ms so a misconfigured
// executor degrades to sane behavior rather than spinning.
func New(logger *slog.Logger, cfg Config) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	return &Executor{logger: logger, cfg: cfg}
}

// SetBus configures an event bus for retry and completion events. A nil
// bus is fine; publishes become no-ops.
func (e *Executor) SetBus(b *events.Bus) {
	e.bus = b
}

// Run invokes cap's handler for req, retrying transient failures up to
// the attempt budget with exponential backoff. It always returns an
// Outcome:
//
//   - handler success → StatusSuccess with the produced text
//   - fatal failure → StatusFatal immediately, no further attempts
//   - transient failures on every attempt → StatusRetryExhausted with
//     the last error
//   - ctx cancelled (during an attempt or a backoff wait) → StatusCancelled
//
// A per-attempt timeout (req.Timeout, falling back to the configured
// default) turns a slow handler into a transient failure that counts
// toward the attempt budget.
func (e *Executor) Run(ctx context.Context, cap *capability.Capability, req capability.Request) Outcome {
	start := time.Now()
	var lastErr error

	e.bus.Publish(events.Event{
		Source: events.SourceExecutor,
		Kind:   events.KindCapabilityStart,
		Data:   map[string]any{"request_id": req.ID, "capability": cap.Name},
	})

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return e.finish(req, outcomeOf(cap.Name, StatusCancelled, "", ctx.Err().Error(), attempt-1, start))
		}

		text, err := e.invoke(ctx, cap, req)
		if err == nil {
			out := outcomeOf(cap.Name, StatusSuccess, text, "", attempt, start)
			e.logger.Debug("capability succeeded",
				"request_id", req.ID,
				"capability", cap.Name,
				"attempts", attempt,
				"elapsed", out.Duration.Round(time.Millisecond),
			)
			return e.finish(req, out)
		}

		// The parent context going away mid-attempt is cancellation, not
		// a handler failure.
		if ctx.Err() != nil {
			return e.finish(req, outcomeOf(cap.Name, StatusCancelled, "", err.Error(), attempt, start))
		}

		if capability.IsFatal(err) {
			e.logger.Warn("capability failed fatally",
				"request_id", req.ID,
				"capability", cap.Name,
				"attempt", attempt,
				"error", err,
			)
			return e.finish(req, outcomeOf(cap.Name, StatusFatal, "", err.Error(), attempt, start))
		}

		// Transient: an attempt deadline counts the same as any other
		// retryable failure.
		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(e.cfg.BaseDelay, attempt)
		e.logger.Debug("retrying capability after transient error",
			"request_id", req.ID,
			"capability", cap.Name,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		e.bus.Publish(events.Event{
			Source: events.SourceExecutor,
			Kind:   events.KindCapabilityRetry,
			Data: map[string]any{
				"request_id": req.ID,
				"capability": cap.Name,
				"attempt":    attempt,
				"delay_ms":   delay.Milliseconds(),
				"error":      err.Error(),
			},
		})

		// Context-aware wait: never blocks sibling executions past
		// cancellation.
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.finish(req, outcomeOf(cap.Name, StatusCancelled, "", ctx.Err().Error(), attempt, start))
		case <-timer.C:
		}
	}

	e.logger.Warn("capability retries exhausted",
		"request_id", req.ID,
		"capability", cap.Name,
		"attempts", e.cfg.MaxAttempts,
		"error", lastErr,
	)
	return e.finish(req, outcomeOf(cap.Name, StatusRetryExhausted, "", lastErr.Error(), e.cfg.MaxAttempts, start))
}

// invoke runs one handler attempt under the per-attempt deadline.
func (e *Executor) invoke(ctx context.Context, cap *capability.Capability, req capability.Request) (text string, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// A panicking handler is converted to a fatal failure so one broken
	// capability cannot take down the whole request.
	defer func() {
		if r := recover(); r != nil {
			err = capability.Fatal(errors.New("handler panicked"))
			e.logger.Error("capability handler panicked",
				"request_id", req.ID,
				"capability", cap.Name,
				"panic", r,
			)
		}
	}()

	return cap.Handler(ctx, req)
}

// finish publishes the completion event and returns out unchanged.
func (e *Executor) finish(req capability.Request, out Outcome) Outcome {
	e.bus.Publish(events.Event{
		Source: events.SourceExecutor,
		Kind:   events.KindCapabilityDone,
		Data: map[string]any{
			"request_id":  req.ID,
			"capability":  out.Capability,
			"status":      string(out.Status),
			"attempts":    out.Attempts,
			"duration_ms": out.Duration.Milliseconds(),
		},
	})
	return out
}

// backoffDelay returns BaseDelay * 2^(attempt-1), capped at 30 bits of
// shift to avoid overflow on absurd attempt counts.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return base << shift
}

// outcomeOf assembles an Outcome with timing and size filled in.
func outcomeOf(name string, status Status, text, errMsg string, attempts int, start time.Time) Outcome {
	size := 0
	if text != "" {
		size = history.EstimateUnits(text)
	}
	return Outcome{
		Capability: name,
		Status:     status,
		Text:       text,
		Err:        errMsg,
		Attempts:   attempts,
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
		SizeUnits:  size,
	}
}
