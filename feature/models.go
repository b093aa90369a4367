package feature

import "github.com/xraph/tally/types"

// Feature is a meterable capability identified by a stable code,
// e.g. "resume_generation".
type Feature struct {
	types.Entity
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}
