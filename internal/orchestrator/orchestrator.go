// Package orchestrator wires the dispatch pipeline end to end: route a
// request through the registry, execute every matched capability with
// retry, aggregate the outcomes into a single response, then record the
// exchange in history and metrics. One orchestrator serves one session.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/melvinsewak/herald/internal/capability"
	"github.com/melvinsewak/herald/internal/events"
	"github.com/melvinsewak/herald/internal/executor"
	"github.com/melvinsewak/herald/internal/history"
	"github.com/melvinsewak/herald/internal/metrics"
	"github.com/melvinsewak/herald/internal/router"
)

// State is the orchestrator's current pipeline phase, readable from any
// goroutine while a request is in flight.
type State int32

// Pipeline states.
const (
	StateIdle State = iota
	StateRouting
	StateDispatching
	StateAggregating
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateDispatching:
		return "dispatching"
	case StateAggregating:
		return "aggregating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dispatch modes.
const (
	// ModeSequential runs matched capabilities one at a time, in
	// registration order.
	ModeSequential = "sequential"
	// ModeParallel runs matched capabilities concurrently. Outcome and
	// aggregation order still follow registration order.
	ModeParallel = "parallel"
)

// Responses for requests that produced no capability output.
const (
	noMatchResponse   = "No capability matched this request."
	allFailedResponse = "All matched capabilities failed."
)

// Config controls orchestrator behavior.
type Config struct {
	// Mode selects sequential or parallel dispatch.
	Mode string
	// HistoryBudget is the size-unit budget of the session's history
	// buffer. Zero uses [history.DefaultBudget].
	HistoryBudget int
	// Executor holds the retry and timeout settings passed through to
	// the capability executor.
	Executor executor.Config
	// RouterAuditLog caps the router's decision audit log. Zero uses the
	// router default.
	RouterAuditLog int
}

// Response is the aggregated answer to one request.
type Response struct {
	// RequestID correlates the response with routing decisions, metric
	// samples, and lifecycle events.
	RequestID string `json:"request_id"`
	// Text is the aggregated response body.
	Text string `json:"text"`
	// Outcomes holds one entry per matched capability, in routing
	// order. Empty when nothing matched.
	Outcomes []executor.Outcome `json:"outcomes,omitempty"`
	// Elapsed is the wall-clock duration of the whole request.
	Elapsed time.Duration `json:"elapsed"`
}

// Orchestrator coordinates one session's dispatch pipeline. Handle is
// safe for concurrent use, though a session normally issues one request
// at a time.
type Orchestrator struct {
	logger    *slog.Logger
	registry  *capability.Registry
	router    *router.Router
	exec      *executor.Executor
	collector *metrics.Collector
	buffer    *history.Buffer
	mode      string
	bus       *events.Bus

	state atomic.Int32
}

// New creates an orchestrator over the given registry. The mode must be
// [ModeSequential] or [ModeParallel]; an empty mode defaults to
// sequential.
func New(logger *slog.Logger, registry *capability.Registry, cfg Config) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeSequential
	}
	if mode != ModeSequential && mode != ModeParallel {
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
	budget := cfg.HistoryBudget
	if budget <= 0 {
		budget = history.DefaultBudget
	}

	return &Orchestrator{
		logger:    logger,
		registry:  registry,
		router:    router.New(logger, registry, router.Config{MaxAuditLog: cfg.RouterAuditLog}),
		exec:      executor.New(logger, cfg.Executor),
		collector: metrics.NewCollector(logger),
		buffer:    history.NewBuffer(budget),
		mode:      mode,
	}, nil
}

// SetBus configures an event bus for lifecycle events. The bus is also
// passed through to the executor. A nil bus is fine.
func (o *Orchestrator) SetBus(b *events.Bus) {
	o.bus = b
	o.exec.SetBus(b)
}

// State returns the current pipeline phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Metrics returns the session's metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.collector
}

// History returns the session's history buffer.
func (o *Orchestrator) History() *history.Buffer {
	return o.buffer
}

// Router returns the session's router, for audit log inspection.
func (o *Orchestrator) Router() *router.Router {
	return o.router
}

// Handle runs one request through the full pipeline. The returned error
// covers request validation only; capability failures are reported as
// Outcome entries on the Response, never as errors.
//
// A request without an ID gets a generated one. When no capability
// matches, the response carries a fixed no-match text, a single
// sentinel outcome with [executor.StatusNoMatch], and that outcome is
// recorded in metrics like any other.
func (o *Orchestrator) Handle(ctx context.Context, req capability.Request) (*Response, error) {
	if strings.TrimSpace(req.Payload) == "" {
		return nil, fmt.Errorf("request payload is required")
	}
	if req.ID == "" {
		id, _ := uuid.NewV7()
		req.ID = id.String()
	}
	if req.Arrived.IsZero() {
		req.Arrived = time.Now()
	}

	start := time.Now()
	defer o.state.Store(int32(StateIdle))

	o.bus.Publish(events.Event{
		Source: events.SourceOrchestrator,
		Kind:   events.KindRequestStart,
		Data: map[string]any{
			"request_id":  req.ID,
			"payload_len": len(req.Payload),
		},
	})

	o.state.Store(int32(StateRouting))
	matched := o.router.Select(req)

	names := make([]string, len(matched))
	for i, c := range matched {
		names[i] = c.Name
	}
	o.bus.Publish(events.Event{
		Source: events.SourceOrchestrator,
		Kind:   events.KindRouteDecision,
		Data: map[string]any{
			"request_id": req.ID,
			"matched":    names,
			"evaluated":  o.registry.Len(),
		},
	})

	var outcomes []executor.Outcome
	if len(matched) == 0 {
		outcomes = []executor.Outcome{{
			Status:    executor.StatusNoMatch,
			Attempts:  0,
			Timestamp: time.Now(),
		}}
	} else {
		o.state.Store(int32(StateDispatching))
		outcomes = o.dispatch(ctx, matched, req)
	}

	o.state.Store(int32(StateAggregating))
	text := o.aggregate(matched, outcomes)

	for _, out := range outcomes {
		o.collector.Record(ctx, metrics.Sample{
			Timestamp:  out.Timestamp,
			RequestID:  req.ID,
			Capability: out.Capability,
			Status:     string(out.Status),
			Success:    out.Success(),
			Attempts:   out.Attempts,
			Duration:   out.Duration,
			SizeUnits:  out.SizeUnits,
		})
	}

	evicted := o.buffer.Append(history.RoleUser, req.Payload)
	evicted += o.buffer.Append(history.RoleAssistant, text)
	if evicted > 0 {
		o.bus.Publish(events.Event{
			Source: events.SourceOrchestrator,
			Kind:   events.KindHistoryPruned,
			Data: map[string]any{
				"request_id": req.ID,
				"evicted":    evicted,
			},
		})
	}

	elapsed := time.Since(start)
	allFailed := len(matched) > 0 && !anySuccess(outcomes)

	o.bus.Publish(events.Event{
		Source: events.SourceOrchestrator,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"request_id": req.ID,
			"outcomes":   len(outcomes),
			"all_failed": allFailed,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})

	o.logger.Info("request complete",
		"request_id", req.ID,
		"matched", len(matched),
		"all_failed", allFailed,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return &Response{
		RequestID: req.ID,
		Text:      text,
		Outcomes:  outcomes,
		Elapsed:   elapsed,
	}, nil
}

// dispatch runs every matched capability and returns outcomes in
// routing order regardless of mode.
func (o *Orchestrator) dispatch(ctx context.Context, matched []*capability.Capability, req capability.Request) []executor.Outcome {
	outcomes := make([]executor.Outcome, len(matched))

	if o.mode == ModeSequential || len(matched) == 1 {
		for i, c := range matched {
			outcomes[i] = o.exec.Run(ctx, c, req)
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, c := range matched {
		wg.Add(1)
		go func(slot int, c *capability.Capability) {
			defer wg.Done()
			outcomes[slot] = o.exec.Run(ctx, c, req)
		}(i, c)
	}
	wg.Wait()
	return outcomes
}

// aggregate builds the response text from the outcomes. Successful
// outputs are joined as "name: text" lines in routing order; requests
// where everything failed (or nothing matched) get a fixed message.
func (o *Orchestrator) aggregate(matched []*capability.Capability, outcomes []executor.Outcome) string {
	if len(matched) == 0 {
		return noMatchResponse
	}

	var sb strings.Builder
	for _, out := range outcomes {
		if !out.Success() {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(out.Capability)
		sb.WriteString(": ")
		sb.WriteString(out.Text)
	}
	if sb.Len() == 0 {
		return allFailedResponse
	}
	return sb.String()
}

func anySuccess(outcomes []executor.Outcome) bool {
	for _, out := range outcomes {
		if out.Success() {
			return true
		}
	}
	return false
}
