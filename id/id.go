// Package id holds the TypeID identifiers of tally entities.
//
// Plans, subscriptions and usage records are identified as "prefix_suffix"
// strings over UUIDv7, so they sort by creation time. Features are keyed by
// their code and have no ID.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the entity kind encoded in an ID.
type Prefix string

const (
	PrefixPlan         Prefix = "plan"
	PrefixSubscription Prefix = "sub"
	PrefixUsageRecord  Prefix = "usg"
)

// ID is a prefixed TypeID. The zero value is Nil and encodes as an empty
// string or SQL NULL.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID.
var Nil ID

// PlanID, SubscriptionID and UsageRecordID document which prefix a field
// carries. They are the same type.
type (
	PlanID         = ID
	SubscriptionID = ID
	UsageRecordID  = ID
)

// New generates an ID. It panics on a prefix TypeID rejects, which only a
// programming error can produce.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewPlanID() ID         { return New(PrefixPlan) }
func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewUsageRecordID() ID  { return New(PrefixUsageRecord) }

// Parse reads any prefixed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

func parseAs(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != want {
		return Nil, fmt.Errorf("id: %q is not a %s id", s, want)
	}
	return parsed, nil
}

func ParsePlanID(s string) (ID, error)         { return parseAs(s, PrefixPlan) }
func ParseSubscriptionID(s string) (ID, error) { return parseAs(s, PrefixSubscription) }
func ParseUsageRecordID(s string) (ID, error)  { return parseAs(s, PrefixUsageRecord) }

func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input is Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil stores NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
