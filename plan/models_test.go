package plan_test

import (
	"errors"
	"testing"

	"github.com/xraph/tally/plan"
)

func TestQuota(t *testing.T) {
	p := &plan.Plan{
		Name: "Free",
		Quotas: []plan.Quota{
			{FeatureCode: "resume_generation", Limit: 3},
			{FeatureCode: "website_generation", Limit: plan.Unlimited},
			{FeatureCode: "cover_letter", Limit: 0},
		},
	}

	tests := []struct {
		code      string
		wantLimit int64
		wantKind  plan.QuotaKind
	}{
		{"resume_generation", 3, plan.QuotaLimited},
		{"website_generation", plan.Unlimited, plan.QuotaUnlimited},
		{"cover_letter", 0, plan.QuotaLimited},
		{"pdf_export", 0, plan.QuotaAbsent},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			limit, kind := p.Quota(tt.code)
			if limit != tt.wantLimit || kind != tt.wantKind {
				t.Errorf("Quota(%q) = (%d, %s), want (%d, %s)", tt.code, limit, kind, tt.wantLimit, tt.wantKind)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	p := &plan.Plan{Quotas: []plan.Quota{
		{FeatureCode: "capped", Limit: 2},
		{FeatureCode: "open", Limit: plan.Unlimited},
	}}

	cases := []struct {
		code  string
		usage int64
		want  bool
	}{
		{"capped", 0, true},
		{"capped", 1, true},
		{"capped", 2, false},
		{"capped", 9, false},
		{"open", 1_000_000, true},
		{"missing", 0, false},
	}
	for _, c := range cases {
		if got := p.Allows(c.code, c.usage); got != c.want {
			t.Errorf("Allows(%q, %d) = %v, want %v", c.code, c.usage, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	ok := &plan.Plan{Name: "Pro", Quotas: []plan.Quota{{FeatureCode: "a", Limit: plan.Unlimited}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	bad := []*plan.Plan{
		{},
		{Name: "dup", Quotas: []plan.Quota{{FeatureCode: "a", Limit: 1}, {FeatureCode: "a", Limit: 2}}},
		{Name: "neg", Quotas: []plan.Quota{{FeatureCode: "a", Limit: -2}}},
		{Name: "blank", Quotas: []plan.Quota{{Limit: 1}}},
	}
	for _, p := range bad {
		var invalid *plan.InvalidError
		if err := p.Validate(); !errors.As(err, &invalid) {
			t.Errorf("Validate(%q) = %v, want *InvalidError", p.Name, err)
		}
	}
}
