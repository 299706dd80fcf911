// Package policy classifies wallet requests and decides whether they may
// be resolved automatically, without a controller's manual approval.
//
// Everything here is a pure function of the request and the configured
// Policy; the broker owns all mutable state.
package policy

import "fmt"

// Mode values for Policy.Mode.
const (
	ModeManual = "manual" // every request awaits an explicit decision
	ModeAuto   = "auto"   // apply allow/deny rules
	ModeDeny   = "deny"   // reject everything
)

// Policy governs automatic disposition of wallet requests.
//
// Deny lists are checked before allow lists, and absence of an explicit
// allow is never an approval: unknown methods and unlisted transaction
// recipients are denied by default.
type Policy struct {
	Mode         string   `json:"mode"`
	AllowMethods []string `json:"allowMethods"`
	DenyMethods  []string `json:"denyMethods"`
	MaxValueEth  float64  `json:"maxValueEth"`
	AllowTo      []string `json:"allowTo"`
	DenyTo       []string `json:"denyTo"`
	ChainID      int64    `json:"chainId,omitempty"` // expected network; mismatch is a risk flag
}

// Default returns the policy a broker starts with: manual mode with a
// conservative value ceiling, so nothing resolves without a decision.
func Default() Policy {
	return Policy{
		Mode:        ModeManual,
		MaxValueEth: 0.1,
	}
}

// Validate checks policy fields that have a constrained domain.
func (p Policy) Validate() error {
	if p.Mode != ModeManual && p.Mode != ModeAuto && p.Mode != ModeDeny {
		return fmt.Errorf("policy: mode must be %q, %q or %q, got %q", ModeManual, ModeAuto, ModeDeny, p.Mode)
	}
	if p.MaxValueEth < 0 {
		return fmt.Errorf("policy: maxValueEth must not be negative")
	}
	return nil
}

// Update is a partial policy change. Nil fields keep their current value;
// set fields replace the whole field (list fields are replaced wholesale,
// never merged element-wise).
type Update struct {
	Mode         *string   `json:"mode,omitempty"`
	AllowMethods *[]string `json:"allowMethods,omitempty"`
	DenyMethods  *[]string `json:"denyMethods,omitempty"`
	MaxValueEth  *float64  `json:"maxValueEth,omitempty"`
	AllowTo      *[]string `json:"allowTo,omitempty"`
	DenyTo       *[]string `json:"denyTo,omitempty"`
	ChainID      *int64    `json:"chainId,omitempty"`
}

// Apply returns a copy of p with the update's set fields replaced.
func (p Policy) Apply(u Update) Policy {
	if u.Mode != nil {
		p.Mode = *u.Mode
	}
	if u.AllowMethods != nil {
		p.AllowMethods = *u.AllowMethods
	}
	if u.DenyMethods != nil {
		p.DenyMethods = *u.DenyMethods
	}
	if u.MaxValueEth != nil {
		p.MaxValueEth = *u.MaxValueEth
	}
	if u.AllowTo != nil {
		p.AllowTo = *u.AllowTo
	}
	if u.DenyTo != nil {
		p.DenyTo = *u.DenyTo
	}
	if u.ChainID != nil {
		p.ChainID = *u.ChainID
	}
	return p
}
