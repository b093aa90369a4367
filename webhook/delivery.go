package webhook

import (
	"context"
	"time"

	"github.com/xraph/tally/types"
)

// DeliveryStatus tracks how far a delivery got.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryProcessed DeliveryStatus = "processed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one entry in the webhook log, keyed by delivery id.
type Delivery struct {
	types.Entity
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ExternalID  string         `json:"external_id,omitempty"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Store persists the delivery log.
type Store interface {
	// RecordDelivery inserts d as pending with one attempt, or bumps the
	// attempt count of the existing row. It returns the stored row.
	RecordDelivery(ctx context.Context, d *Delivery) (*Delivery, error)
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	// FinishDelivery sets the final status and error text of a delivery.
	FinishDelivery(ctx context.Context, id string, status DeliveryStatus, lastErr string) error
}
