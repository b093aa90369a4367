// Package webhook decodes billing-provider webhook deliveries into typed
// events.
//
// Every delivery is an envelope whose "type" selects one variant (Created,
// Activated, Updated, Canceled, Uncanceled, Revoked). Each variant has its own
// schema; the payload is decoded strictly into it and validated before the
// subscription state machine ever sees it. Types the parser does not know are
// returned as *Unknown so callers can log and acknowledge them.
package webhook

import "time"

// Kind is the event type carried in the envelope.
type Kind string

const (
	KindCreated    Kind = "subscription.created"
	KindActivated  Kind = "subscription.activated"
	KindUpdated    Kind = "subscription.updated"
	KindCanceled   Kind = "subscription.canceled"
	KindUncanceled Kind = "subscription.uncanceled"
	KindRevoked    Kind = "subscription.revoked"
)

// aliases maps provider spellings onto canonical kinds.
var aliases = map[string]Kind{
	"subscription.active": KindActivated,
}

// Event is implemented by every variant.
type Event interface {
	Kind() Kind
	Metadata() Meta
	Target() Subject
}

// Meta is the envelope information shared by all variants.
type Meta struct {
	ID        string    `json:"-"`
	Type      string    `json:"-"`
	CreatedAt time.Time `json:"-"`
	Raw       []byte    `json:"-"`
}

// Metadata returns the envelope fields.
func (m Meta) Metadata() Meta { return m }

func (m *Meta) setMeta(v Meta) { *m = v }

// Subject identifies the subscription an event is about and carries the
// period reported by the provider.
type Subject struct {
	SubscriptionID     string     `json:"subscription_id" validate:"required,max=255"`
	UserID             string     `json:"user_id" validate:"required,max=255"`
	ProductID          string     `json:"product_id" validate:"required,max=255"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

// Target returns the subject of the event.
func (s Subject) Target() Subject { return s }

// Created announces a new subscription.
type Created struct {
	Meta
	Subject
	Status string `json:"status,omitempty" validate:"omitempty,max=32"`
}

func (*Created) Kind() Kind { return KindCreated }

// Activated announces that payment succeeded and access should start.
type Activated struct {
	Meta
	Subject
	Status string `json:"status,omitempty" validate:"omitempty,max=32"`
}

func (*Activated) Kind() Kind { return KindActivated }

// Updated mirrors the provider's full view of the subscription.
type Updated struct {
	Meta
	Subject
	Status            string     `json:"status" validate:"required,oneof=active trialing pending incomplete past_due unpaid paused canceled revoked incomplete_expired ended"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
}

func (*Updated) Kind() Kind { return KindUpdated }

// Canceled announces a cancellation that takes effect at period end.
type Canceled struct {
	Meta
	Subject
	Status            string     `json:"status,omitempty" validate:"omitempty,max=32"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
}

func (*Canceled) Kind() Kind { return KindCanceled }

// Uncanceled announces that a pending cancellation was withdrawn.
type Uncanceled struct {
	Meta
	Subject
	Status string `json:"status,omitempty" validate:"omitempty,max=32"`
}

func (*Uncanceled) Kind() Kind { return KindUncanceled }

// Revoked announces that access ended immediately.
type Revoked struct {
	Meta
	Subject
	Status     string     `json:"status,omitempty" validate:"omitempty,max=32"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
}

func (*Revoked) Kind() Kind { return KindRevoked }

// Unknown is a delivery whose type is not handled. Its payload is not decoded.
type Unknown struct {
	Meta
}

func (u *Unknown) Kind() Kind { return Kind(u.Type) }

func (*Unknown) Target() Subject { return Subject{} }
