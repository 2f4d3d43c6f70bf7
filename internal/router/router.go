// Package router selects the capabilities that should handle a request.
// Selection is deterministic: every registered capability's trigger is
// evaluated against the request payload in registration order, and all
// matches are returned in that order. Each selection is recorded in a
// bounded in-memory audit log so front ends can explain why a request
// was (or was not) dispatched.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/melvinsewak/herald/internal/capability"
)

// Decision records the result of one Select call.
type Decision struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	QueryLength int       `json:"query_length"`

	// Evaluated lists every capability whose trigger was checked, in
	// registration order.
	Evaluated []string `json:"evaluated"`
	// Matched lists the capabilities whose triggers accepted the
	// request, in registration (= selection) order.
	Matched []string `json:"matched"`

	Reasoning string `json:"reasoning"`
}

// Stats tracks selection statistics.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	CapabilityCounts map[string]int64 `json:"capability_counts"`
	NoMatchCount     int64            `json:"no_match_count"`
}

// Config holds router configuration.
type Config struct {
	// MaxAuditLog is how many decisions to keep in memory (default 1000).
	MaxAuditLog int
}

// Router evaluates capability triggers against requests.
type Router struct {
	logger   *slog.Logger
	registry *capability.Registry
	config   Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// New creates a router over the given registry.
func New(logger *slog.Logger, registry *capability.Registry, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		registry: registry,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			CapabilityCounts: make(map[string]int64),
		},
	}
}

// Capabilities returns the registry's capabilities in registration
// order.
func (r *Router) Capabilities() []*capability.Capability {
	return r.registry.All()
}

// Select returns every capability whose trigger matches the request, in
// registration order. An empty result is a defined outcome, not an
// error; the orchestrator turns it into the no-match sentinel. Repeated
// calls with the same request and registry return the same ordered set.
func (r *Router) Select(req capability.Request) []*capability.Capability {
	decision := Decision{
		RequestID:   req.ID,
		Timestamp:   time.Now(),
		QueryLength: len(req.Payload),
	}

	var selected []*capability.Capability
	for _, c := range r.registry.All() {
		decision.Evaluated = append(decision.Evaluated, c.Name)
		if c.Matches(req) {
			selected = append(selected, c)
			decision.Matched = append(decision.Matched, c.Name)
		}
	}

	if len(selected) == 0 {
		decision.Reasoning = fmt.Sprintf("no trigger matched among %d capabilities", len(decision.Evaluated))
	} else {
		decision.Reasoning = fmt.Sprintf("%d of %d triggers matched", len(selected), len(decision.Evaluated))
	}

	r.recordDecision(decision)

	r.logger.Debug("capabilities selected",
		"request_id", req.ID,
		"evaluated", len(decision.Evaluated),
		"matched", decision.Matched,
	)

	return selected
}

// recordDecision adds a decision to the audit log, trimming the oldest
// entry when over capacity.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	if len(d.Matched) == 0 {
		r.stats.NoMatchCount++
	}
	for _, name := range d.Matched {
		r.stats.CapabilityCounts[name]++
	}
}

// AuditLog returns the most recent selection decisions, oldest first.
// limit <= 0 or beyond the log length returns everything.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// Stats returns selection statistics. The returned counts map is a copy.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int64, len(r.stats.CapabilityCounts))
	for k, v := range r.stats.CapabilityCounts {
		counts[k] = v
	}
	return Stats{
		TotalRequests:    r.stats.TotalRequests,
		CapabilityCounts: counts,
		NoMatchCount:     r.stats.NoMatchCount,
	}
}

// Explain returns the decision recorded for a request ID, or nil if it
// has aged out of the audit log.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
