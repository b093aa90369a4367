package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/tally"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"one active", &pgconn.PgError{Code: uniqueViolation, ConstraintName: idxOneActive}, tally.ErrActiveExists},
		{"wrapped one active", fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolation, ConstraintName: idxOneActive}), tally.ErrActiveExists},
		{"external id", &pgconn.PgError{Code: uniqueViolation, ConstraintName: idxExternalID}, tally.ErrAlreadyExists},
		{"primary key", &pgconn.PgError{Code: uniqueViolation, ConstraintName: "tally_plans_pkey"}, tally.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("translate = %v, want %v", got, tt.want)
			}
		})
	}

	other := &pgconn.PgError{Code: "23503"}
	if got := translate(other); got != error(other) {
		t.Errorf("foreign key violation translated to %v", got)
	}
	plain := errors.New("boom")
	if got := translate(plain); got != plain {
		t.Errorf("plain error translated to %v", got)
	}
}

type fakeResult int64

func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestMustAffect(t *testing.T) {
	if err := mustAffect(fakeResult(0), tally.ErrPlanNotFound); !errors.Is(err, tally.ErrPlanNotFound) {
		t.Errorf("mustAffect(0) = %v", err)
	}
	if err := mustAffect(fakeResult(1), tally.ErrPlanNotFound); err != nil {
		t.Errorf("mustAffect(1) = %v", err)
	}
}
