// Package capability defines the units of delegated work that Herald
// dispatches requests to. A capability pairs a trigger predicate with a
// handler function; the registry holds all capabilities registered at
// startup and is read-only afterward.
package capability

import (
	"context"
	"strings"
	"time"
)

// Request is a single user-originated unit of work. It is created at the
// system boundary and read-only thereafter; the router and executor
// consume it but never mutate it.
type Request struct {
	// ID correlates log lines, metric samples, and audit entries for
	// one request. The orchestrator generates a UUIDv7 when empty.
	ID string `json:"id"`
	// Payload is the free-text body of the request.
	Payload string `json:"payload"`
	// Arrived is the request's arrival timestamp.
	Arrived time.Time `json:"arrived"`
	// Timeout bounds each handler attempt. Zero means the executor's
	// configured default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Handler performs a capability's work for one request. It returns the
// produced text or an error. Wrap errors with [Fatal] to suppress
// retries; plain and [Retryable]-wrapped errors are retried up to the
// executor's attempt budget.
type Handler func(ctx context.Context, req Request) (string, error)

// Trigger decides whether a capability wants a request. Implementations
// must be safe for concurrent use and deterministic for a given payload.
type Trigger interface {
	Matches(payload string) bool
}

// TriggerFunc adapts a plain function to the [Trigger] interface.
type TriggerFunc func(payload string) bool

// Matches implements [Trigger].
func (f TriggerFunc) Matches(payload string) bool { return f(payload) }

// KeywordTrigger matches when the payload contains any of its keywords,
// case-insensitively. This is the stock trigger; anything implementing
// [Trigger] (including a model-driven classifier) can replace it without
// touching the router.
type KeywordTrigger struct {
	keywords []string
}

// Keywords returns a new keyword trigger. Keywords are matched as
// case-insensitive substrings of the request payload.
func Keywords(words ...string) *KeywordTrigger {
	lowered := make([]string, len(words))
	for i, w := range words {
		lowered[i] = strings.ToLower(w)
	}
	return &KeywordTrigger{keywords: lowered}
}

// Matches implements [Trigger].
func (t *KeywordTrigger) Matches(payload string) bool {
	p := strings.ToLower(payload)
	for _, kw := range t.keywords {
		if kw != "" && strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// Capability is a named, triggerable unit of delegated work. Immutable
// once registered; the registry owns it and the router looks it up by
// reference, never by copy.
type Capability struct {
	// Name uniquely identifies the capability within a registry.
	Name string
	// Description is a human-readable summary shown by front ends.
	Description string
	// Trigger decides whether this capability handles a request.
	Trigger Trigger
	// Handler performs the work.
	Handler Handler
}

// Matches reports whether this capability's trigger accepts the request.
// A capability with a nil trigger matches nothing.
func (c *Capability) Matches(req Request) bool {
	if c.Trigger == nil {
		return false
	}
	return c.Trigger.Matches(req.Payload)
}
