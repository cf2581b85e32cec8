package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	// Set and retrieve.
	ctx = WithTraceID(ctx, "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "def-456")
	if got := TraceID(ctx); got != "def-456" {
		t.Fatalf("expected def-456, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("trace ids must be unique and non-empty: %q %q", a, b)
	}
}
