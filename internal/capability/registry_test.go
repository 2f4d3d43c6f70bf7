package capability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func echoHandler(ctx context.Context, req Request) (string, error) {
	return req.Payload, nil
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()

	first := &Capability{Name: "travel", Trigger: Keywords("flight"), Handler: echoHandler}
	if err := r.Register(first); err != nil {
		t.Fatalf("Register(travel): %v", err)
	}

	dup := &Capability{Name: "travel", Trigger: Keywords("hotel"), Handler: echoHandler}
	err := r.Register(dup)
	var de *DuplicateError
	if !errors.As(err, &de) {
		t.Fatalf("Register(duplicate) error = %v, want DuplicateError", err)
	}
	if de.Name != "travel" {
		t.Errorf("DuplicateError.Name = %q, want %q", de.Name, "travel")
	}

	// The failed registration must leave the registry unchanged.
	if r.Len() != 1 {
		t.Errorf("Len() after failed duplicate = %d, want 1", r.Len())
	}
	got, err := r.Lookup("travel")
	if err != nil {
		t.Fatalf("Lookup(travel): %v", err)
	}
	if got != first {
		t.Error("Lookup(travel) returned the duplicate, want the original")
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&Capability{Name: "", Handler: echoHandler}); err == nil {
		t.Error("Register with empty name succeeded, want error")
	}
	if err := r.Register(&Capability{Name: "nohandler"}); err == nil {
		t.Error("Register with nil handler succeeded, want error")
	}
	if r.Len() != 0 {
		t.Errorf("Len() after rejected registrations = %d, want 0", r.Len())
	}
}

func TestLookup_NotFound(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Lookup(ghost) error = %v, want NotFoundError", err)
	}
	if nf.Name != "ghost" {
		t.Errorf("NotFoundError.Name = %q, want %q", nf.Name, "ghost")
	}
}

func TestAll_RegistrationOrder(t *testing.T) {
	r := NewRegistry()

	names := []string{"travel", "calendar", "research", "weather"}
	for _, name := range names {
		c := &Capability{Name: name, Trigger: Keywords(name), Handler: echoHandler}
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	all := r.All()
	if len(all) != len(names) {
		t.Fatalf("All() returned %d capabilities, want %d", len(all), len(names))
	}
	for i, c := range all {
		if c.Name != names[i] {
			t.Errorf("All()[%d].Name = %q, want %q", i, c.Name, names[i])
		}
	}

	// The returned slice is a copy: mutating it must not affect the registry.
	all[0] = nil
	if got := r.All()[0]; got == nil || got.Name != "travel" {
		t.Error("mutating All() result leaked into the registry")
	}
}

func TestKeywordTrigger(t *testing.T) {
	tests := []struct {
		name     string
		keywords []string
		payload  string
		want     bool
	}{
		{name: "exact", keywords: []string{"flight"}, payload: "book a flight", want: true},
		{name: "case insensitive payload", keywords: []string{"flight"}, payload: "BOOK A FLIGHT", want: true},
		{name: "case insensitive keyword", keywords: []string{"Flight"}, payload: "book a flight", want: true},
		{name: "any of several", keywords: []string{"flight", "hotel"}, payload: "find me a hotel", want: true},
		{name: "substring", keywords: []string{"meet"}, payload: "schedule a meeting", want: true},
		{name: "no match", keywords: []string{"flight", "hotel"}, payload: "hello there", want: false},
		{name: "empty payload", keywords: []string{"flight"}, payload: "", want: false},
		{name: "empty keyword ignored", keywords: []string{""}, payload: "anything", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := Keywords(tt.keywords...)
			if got := trig.Matches(tt.payload); got != tt.want {
				t.Errorf("Keywords(%v).Matches(%q) = %v, want %v", tt.keywords, tt.payload, got, tt.want)
			}
		})
	}
}

func TestTriggerFunc(t *testing.T) {
	c := &Capability{
		Name:    "long-inputs",
		Trigger: TriggerFunc(func(payload string) bool { return len(payload) > 10 }),
		Handler: echoHandler,
	}

	if c.Matches(Request{Payload: "short"}) {
		t.Error("Matches(short payload) = true, want false")
	}
	if !c.Matches(Request{Payload: "a much longer payload"}) {
		t.Error("Matches(long payload) = false, want true")
	}
}

func TestMatches_NilTrigger(t *testing.T) {
	c := &Capability{Name: "untriggered", Handler: echoHandler}
	if c.Matches(Request{Payload: "anything"}) {
		t.Error("Matches with nil trigger = true, want false")
	}
}

func TestErrorClassification(t *testing.T) {
	base := fmt.Errorf("upstream unavailable")

	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{name: "plain error", err: base, wantFatal: false},
		{name: "retryable wrapper", err: Retryable(base), wantFatal: false},
		{name: "fatal wrapper", err: Fatal(base), wantFatal: true},
		{name: "fatal wrapped deeper", err: fmt.Errorf("handler: %w", Fatal(base)), wantFatal: true},
		{name: "nil", err: nil, wantFatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.wantFatal {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.wantFatal)
			}
		})
	}

	if Fatal(nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) != nil")
	}
	if !errors.Is(Fatal(base), base) {
		t.Error("Fatal does not unwrap to the base error")
	}
	if !errors.Is(Retryable(base), base) {
		t.Error("Retryable does not unwrap to the base error")
	}
}
