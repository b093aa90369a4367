package mongo

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/tally"
)

func dupKey(index string) error {
	return mongo.WriteException{
		WriteErrors: []mongo.WriteError{{
			Code:    11000,
			Message: "E11000 duplicate key error collection: app.tally_subscriptions index: " + index + " dup key: { user_id: \"u1\" }",
		}},
	}
}

func TestTranslate(t *testing.T) {
	if got := translate(dupKey(idxOneActive)); !errors.Is(got, tally.ErrActiveExists) {
		t.Errorf("translate(one active) = %v", got)
	}
	got := translate(dupKey(idxExternalID))
	if !errors.Is(got, tally.ErrAlreadyExists) || errors.Is(got, tally.ErrActiveExists) {
		t.Errorf("translate(external id) = %v", got)
	}
	plain := errors.New("boom")
	if got := translate(plain); got != plain {
		t.Errorf("translate(plain) = %v", got)
	}
}

func TestMigrationIndexes(t *testing.T) {
	indexes := migrationIndexes()
	for _, col := range []string{colPlans, colFeatures, colSubscriptions, colUsage, colDeliveries} {
		if _, ok := indexes[col]; !ok {
			t.Errorf("no indexes for %s", col)
		}
	}
	if n := len(indexes[colSubscriptions]); n != 4 {
		t.Errorf("subscription indexes = %d, want 4", n)
	}
}
