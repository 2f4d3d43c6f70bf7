// Package history provides the size-budgeted conversation buffer. Each
// session owns one buffer; turns are appended at the tail and evicted
// oldest-first when the estimated size exceeds the budget.
package history

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one logged exchange. Never mutated after creation; the buffer
// may evict it but never rewrites it.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Units     int       `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

// EstimateUnits returns the size estimate for content in size-units,
// using the 4-characters-per-unit heuristic (rounded up, minimum 1 so
// every turn has nonzero weight). The estimate is monotonic in content
// length and stable for identical input.
func EstimateUnits(content string) int {
	u := (len(content) + 3) / 4
	if u < 1 {
		u = 1
	}
	return u
}

// DefaultBudget is used when a buffer is created with a non-positive
// budget.
const DefaultBudget = 2048

// Buffer is an ordered sequence of turns, oldest first, capped by a
// size-unit budget. Append is the only write path: it inserts at the
// tail, then prunes from the head while the total exceeds the budget —
// but never below one remaining turn, so a successful append always
// leaves the buffer non-empty even when a single turn exceeds the
// budget on its own.
type Buffer struct {
	mu     sync.Mutex
	budget int
	turns  []Turn
	total  int
}

// NewBuffer creates a buffer with the given size-unit budget. A
// non-positive budget falls back to [DefaultBudget].
func NewBuffer(budget int) *Buffer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Buffer{budget: budget}
}

// Append adds a turn at the tail and prunes from the head until the
// buffer is within budget or only one turn remains. It returns the
// number of evicted turns.
func (b *Buffer) Append(role Role, content string) int {
	turn := Turn{
		Role:      role,
		Content:   content,
		Units:     EstimateUnits(content),
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.turns = append(b.turns, turn)
	b.total += turn.Units

	evicted := 0
	for b.total > b.budget && len(b.turns) > 1 {
		b.total -= b.turns[0].Units
		b.turns = b.turns[1:]
		evicted++
	}
	return evicted
}

// TotalUnits returns the summed size estimate of all retained turns.
func (b *Buffer) TotalUnits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Len returns the number of retained turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Budget returns the configured size-unit budget.
func (b *Buffer) Budget() int {
	return b.budget
}

// Snapshot returns a copy of the retained turns, oldest first. Callers
// can iterate it freely; concurrent appends never mutate it.
func (b *Buffer) Snapshot() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}
