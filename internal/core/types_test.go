package core

import (
	"errors"
	"strings"
	"testing"
)

func TestProviderError_Classification(t *testing.T) {
	transient := NewTransientError("engine", "upstream error 503", nil)
	if !transient.Transient() {
		t.Error("Transient error reports as not transient")
	}

	permanent := NewPermanentError("engine", "not found", nil)
	if permanent.Transient() {
		t.Error("Permanent error reports as transient")
	}
}

func TestProviderError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("relay", "mirror unreachable", cause)

	if !errors.Is(err, cause) {
		t.Error("ProviderError does not unwrap to its cause")
	}
}

func TestAggregateError_Transient(t *testing.T) {
	tests := []struct {
		name     string
		failures []*ProviderError
		want     bool
	}{
		{
			name: "one transient among permanents",
			failures: []*ProviderError{
				NewPermanentError("engine", "not found", nil),
				NewTransientError("relay", "rate limited", nil),
			},
			want: true,
		},
		{
			name: "all permanent",
			failures: []*ProviderError{
				NewPermanentError("engine", "not found", nil),
				NewPermanentError("catalog", "no results", nil),
			},
			want: false,
		},
		{
			name: "empty",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &AggregateError{Failures: tt.failures}
			if got := agg.Transient(); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregateError_MatchesSentinel(t *testing.T) {
	agg := &AggregateError{Failures: []*ProviderError{
		NewPermanentError("engine", "not found", nil),
	}}

	if !errors.Is(agg, ErrAllProvidersExhausted) {
		t.Error("AggregateError does not match ErrAllProvidersExhausted")
	}
}

func TestAggregateError_MessageNamesEveryProvider(t *testing.T) {
	agg := &AggregateError{Failures: []*ProviderError{
		NewTransientError("engine", "timeout", nil),
		NewPermanentError("relay", "not found", nil),
	}}

	msg := agg.Error()
	for _, want := range []string{"engine", "relay", "timeout", "not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
