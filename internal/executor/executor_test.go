package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/melvinsewak/herald/internal/capability"
)

func newTestExecutor(cfg Config) *Executor {
	return New(slog.Default(), cfg)
}

func capWith(name string, h capability.Handler) *capability.Capability {
	return &capability.Capability{
		Name:    name,
		Trigger: capability.Keywords(name),
		Handler: h,
	}
}

func TestRun_Success(t *testing.T) {
	e := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	c := capWith("echo", func(ctx context.Context, req capability.Request) (string, error) {
		return "ok: " + req.Payload, nil
	})

	out := e.Run(context.Background(), c, capability.Request{ID: "r1", Payload: "hello"})

	if out.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (err: %s)", out.Status, StatusSuccess, out.Err)
	}
	if !out.Success() {
		t.Error("Success() = false, want true")
	}
	if out.Text != "ok: hello" {
		t.Errorf("Text = %q, want %q", out.Text, "ok: hello")
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if out.Capability != "echo" {
		t.Errorf("Capability = %q, want %q", out.Capability, "echo")
	}
	if out.SizeUnits <= 0 {
		t.Errorf("SizeUnits = %d, want > 0", out.SizeUnits)
	}
}

func TestRun_RetryBound(t *testing.T) {
	// A handler that always fails transiently must be attempted exactly
	// MaxAttempts times.
	const maxAttempts = 4
	var calls atomic.Int32

	e := newTestExecutor(Config{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond})
	c := capWith("flaky", func(ctx context.Context, req capability.Request) (string, error) {
		calls.Add(1)
		return "", capability.Retryable(errors.New("upstream busy"))
	})

	out := e.Run(context.Background(), c, capability.Request{ID: "r2", Payload: "x"})

	if got := calls.Load(); got != maxAttempts {
		t.Errorf("handler called %d times, want %d", got, maxAttempts)
	}
	if out.Status != StatusRetryExhausted {
		t.Errorf("Status = %q, want %q", out.Status, StatusRetryExhausted)
	}
	if out.Success() {
		t.Error("Success() = true, want false")
	}
	if out.Attempts != maxAttempts {
		t.Errorf("Attempts = %d, want %d", out.Attempts, maxAttempts)
	}
	if out.Err == "" {
		t.Error("Err is empty, want the last error description")
	}
}

func TestRun_FatalShortCircuit(t *testing.T) {
	var calls atomic.Int32

	e := newTestExecutor(Config{MaxAttempts: 5, BaseDelay: time.Millisecond})
	c := capWith("broken", func(ctx context.Context, req capability.Request) (string, error) {
		calls.Add(1)
		return "", capability.Fatal(errors.New("malformed request"))
	})

	out := e.Run(context.Background(), c, capability.Request{ID: "r3", Payload: "x"})

	if got := calls.Load(); got != 1 {
		t.Errorf("handler called %d times, want exactly 1", got)
	}
	if out.Status != StatusFatal {
		t.Errorf("Status = %q, want %q", out.Status, StatusFatal)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	// Fails twice, succeeds on the third attempt. With base delay d, the
	// two waits are d and 2d, so elapsed must be >= 3d (minus scheduler
	// slack, which only adds time).
	const baseDelay = 20 * time.Millisecond
	var calls atomic.Int32

	e := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: baseDelay})
	c := capWith("eventually", func(ctx context.Context, req capability.Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "done", nil
	})

	start := time.Now()
	out := e.Run(context.Background(), c, capability.Request{ID: "r4", Payload: "x"})
	elapsed := time.Since(start)

	if out.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (err: %s)", out.Status, StatusSuccess, out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if want := 3 * baseDelay; elapsed < want {
		t.Errorf("elapsed = %v, want >= %v (delays d + 2d)", elapsed, want)
	}
}

func TestRun_TimeoutIsRetryable(t *testing.T) {
	// A handler that honors its context deadline and overruns it should
	// be retried and eventually surface as retry_exhausted, not fatal.
	var calls atomic.Int32

	e := newTestExecutor(Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Timeout:     10 * time.Millisecond,
	})
	c := capWith("slow", func(ctx context.Context, req capability.Request) (string, error) {
		calls.Add(1)
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	out := e.Run(context.Background(), c, capability.Request{ID: "r5", Payload: "x"})

	if got := calls.Load(); got != 2 {
		t.Errorf("handler called %d times, want 2", got)
	}
	if out.Status != StatusRetryExhausted {
		t.Errorf("Status = %q, want %q", out.Status, StatusRetryExhausted)
	}
}

func TestRun_RequestTimeoutOverridesDefault(t *testing.T) {
	// The request-level timeout takes precedence over the configured one.
	e := newTestExecutor(Config{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		Timeout:     time.Second,
	})
	c := capWith("deadline", func(ctx context.Context, req capability.Request) (string, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			return "", capability.Fatal(errors.New("no deadline set"))
		}
		if time.Until(deadline) > 100*time.Millisecond {
			return "", capability.Fatal(fmt.Errorf("deadline too far: %v", time.Until(deadline)))
		}
		return "ok", nil
	})

	out := e.Run(context.Background(), c, capability.Request{
		ID:      "r6",
		Payload: "x",
		Timeout: 50 * time.Millisecond,
	})
	if out.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q (err: %s)", out.Status, StatusSuccess, out.Err)
	}
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	e := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Hour})
	c := capWith("failing", func(ctx context.Context, req capability.Request) (string, error) {
		return "", errors.New("transient")
	})

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Run(ctx, c, capability.Request{ID: "r7", Payload: "x"})
	}()

	// Give the first attempt time to fail and enter the backoff wait,
	// then cancel. The hour-long delay must not be served out.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out.Status != StatusCancelled {
			t.Errorf("Status = %q, want %q", out.Status, StatusCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	e := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	c := capWith("never", func(ctx context.Context, req capability.Request) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	out := e.Run(ctx, c, capability.Request{ID: "r8", Payload: "x"})

	if out.Status != StatusCancelled {
		t.Errorf("Status = %q, want %q", out.Status, StatusCancelled)
	}
	if calls.Load() != 0 {
		t.Errorf("handler called %d times on pre-cancelled context, want 0", calls.Load())
	}
}

func TestRun_PanicBecomesFatal(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	c := capWith("panicky", func(ctx context.Context, req capability.Request) (string, error) {
		calls.Add(1)
		panic("boom")
	})

	out := e.Run(context.Background(), c, capability.Request{ID: "r9", Payload: "x"})

	if out.Status != StatusFatal {
		t.Errorf("Status = %q, want %q", out.Status, StatusFatal)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1 (panic must not be retried)", calls.Load())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(base, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNew_ClampsConfig(t *testing.T) {
	e := New(slog.Default(), Config{MaxAttempts: 0, BaseDelay: 0})
	if e.cfg.MaxAttempts != 1 {
		t.Errorf("MaxAttempts clamped to %d, want 1", e.cfg.MaxAttempts)
	}
	if e.cfg.BaseDelay <= 0 {
		t.Errorf("BaseDelay = %v, want > 0", e.cfg.BaseDelay)
	}
}
