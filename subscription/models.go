package subscription

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusRevoked  Status = "revoked"
	StatusPaused   Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCanceled, StatusRevoked, StatusPaused:
		return true
	default:
		return false
	}
}

// Ended reports whether the status is one a reactivation can start from.
func (s Status) Ended() bool {
	return s == StatusCanceled || s == StatusRevoked
}

type Subscription struct {
	types.Entity
	ID         id.SubscriptionID `json:"id"`
	UserID     string            `json:"user_id"`
	PlanID     id.PlanID         `json:"plan_id"`
	ExternalID string            `json:"external_id,omitempty"`
	Status     Status            `json:"status"`
	StartsAt   time.Time         `json:"starts_at"`
	EndsAt     *time.Time        `json:"ends_at,omitempty"`
	AutoRenew  bool              `json:"auto_renew"`
	CanceledAt *time.Time        `json:"canceled_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether the row is active.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Expired reports whether an end instant is set and now is at or past it.
func (s *Subscription) Expired(now time.Time) bool {
	return s.EndsAt != nil && !now.Before(*s.EndsAt)
}

// EndedAt is the instant the subscription stopped granting access, used to
// measure grace windows. It prefers EndsAt, then CanceledAt, then UpdatedAt.
func (s *Subscription) EndedAt() time.Time {
	switch {
	case s.EndsAt != nil:
		return *s.EndsAt
	case s.CanceledAt != nil:
		return *s.CanceledAt
	default:
		return s.UpdatedAt
	}
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.EndsAt != nil {
		t := *s.EndsAt
		c.EndsAt = &t
	}
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
