package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrMalformed wraps every decoding and validation failure. A malformed
// delivery will never succeed on retry.
var ErrMalformed = errors.New("webhook: malformed payload")

// deliveryNamespace seeds derived delivery ids for envelopes without an id.
var deliveryNamespace = uuid.MustParse("7d1c3f0e-5b8a-4a53-9b6e-2f4c8e1a9d70")

type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Parser decodes raw deliveries into events.
type Parser struct {
	validate *validator.Validate
}

// NewParser returns a Parser with its own validator instance.
func NewParser() *Parser {
	return &Parser{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Parse decodes raw into a typed event. Envelopes with an unhandled type
// yield *Unknown and a nil error. Every other failure wraps ErrMalformed.
func (p *Parser) Parse(raw []byte) (Event, error) {
	var env envelope
	if err := decodeStrict(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformed)
	}

	meta := Meta{
		ID:   env.ID,
		Type: env.Type,
		Raw:  raw,
	}
	if meta.ID == "" {
		meta.ID = DeliveryID(raw)
	}
	if env.CreatedAt != nil {
		meta.CreatedAt = env.CreatedAt.UTC()
	}

	kind := Kind(env.Type)
	if alias, ok := aliases[env.Type]; ok {
		kind = alias
	}

	var ev Event
	switch kind {
	case KindCreated:
		ev = &Created{}
	case KindActivated:
		ev = &Activated{}
	case KindUpdated:
		ev = &Updated{}
	case KindCanceled:
		ev = &Canceled{}
	case KindUncanceled:
		ev = &Uncanceled{}
	case KindRevoked:
		ev = &Revoked{}
	default:
		return &Unknown{Meta: meta}, nil
	}

	if err := p.decodeData(env.Data, ev); err != nil {
		return nil, err
	}
	meta.Type = string(kind)
	ev.(interface{ setMeta(Meta) }).setMeta(meta)
	return ev, nil
}

func (p *Parser) decodeData(data json.RawMessage, dst Event) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := decodeStrict(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, dst.Kind(), err)
	}
	if err := p.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, dst.Kind(), err)
	}

	s := dst.Target()
	if s.CurrentPeriodStart.IsZero() {
		return fmt.Errorf("%w: %s: current_period_start is required", ErrMalformed, dst.Kind())
	}
	if s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return fmt.Errorf("%w: %s: current_period_end must be after current_period_start", ErrMalformed, dst.Kind())
	}
	return nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// DeliveryID derives a stable id from the raw body, used when the provider
// does not send one.
func DeliveryID(raw []byte) string {
	return "whd_" + uuid.NewSHA1(deliveryNamespace, raw).String()
}
