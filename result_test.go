package tally_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/tally"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/webhook"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want tally.ResultKind
	}{
		{"nil", nil, tally.ResultOk},
		{"malformed", fmt.Errorf("decode: %w", webhook.ErrMalformed), tally.ResultFatal},
		{"unknown product", tally.ErrUnknownProduct, tally.ResultFatal},
		{"invalid transition", tally.ErrInvalidTransition, tally.ResultFatal},
		{"not found", tally.ErrPlanNotFound, tally.ResultFatal},
		{"validation", tally.ValidationError{Field: "x", Message: "required"}, tally.ResultFatal},
		{"invalid plan", &plan.InvalidError{Field: "name", Reason: "required"}, tally.ResultFatal},
		{"store down", errors.New("connection refused"), tally.ResultRetryable},
		{"deadline", context.DeadlineExceeded, tally.ResultRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tally.Classify(tt.err).Kind; got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseUnknownFeaturePolicy(t *testing.T) {
	for in, want := range map[string]tally.UnknownFeaturePolicy{
		"":       tally.UnknownFeatureAllow,
		"allow":  tally.UnknownFeatureAllow,
		" Deny ": tally.UnknownFeatureDeny,
	} {
		got, err := tally.ParseUnknownFeaturePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseUnknownFeaturePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := tally.ParseUnknownFeaturePolicy("maybe"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
