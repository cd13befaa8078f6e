package accumulator

import (
	"fmt"
	"sort"
	"strings"
)

// UnitPolicy bounds issuance for a single currency unit. A zero Cap leaves
// the unit uncapped.
type UnitPolicy struct {
	Cap uint64
}

// Params is the runtime policy snapshot the accumulator consults on every
// operation. Snapshots are immutable once published; mutate a clone and swap
// it in via SetParams.
type Params struct {
	Units map[string]UnitPolicy
}

// DefaultParams allows the sat unit with no cap.
func DefaultParams() *Params {
	return &Params{
		Units: map[string]UnitPolicy{
			"sat": {},
		},
	}
}

// Clone returns a deep copy safe to mutate.
func (p *Params) Clone() *Params {
	clone := &Params{Units: make(map[string]UnitPolicy, len(p.Units))}
	for unit, policy := range p.Units {
		clone.Units[unit] = policy
	}
	return clone
}

// Validate rejects snapshots that would leave the accumulator without a
// usable unit table.
func (p *Params) Validate() error {
	if p == nil || len(p.Units) == 0 {
		return fmt.Errorf("accumulator: params carry no units")
	}
	for unit := range p.Units {
		if strings.TrimSpace(unit) == "" {
			return fmt.Errorf("accumulator: params carry a blank unit name")
		}
		if unit != normalizeUnit(unit) {
			return fmt.Errorf("accumulator: unit %q is not lower-case", unit)
		}
	}
	return nil
}

// UnitNames returns the allowed units in sorted order.
func (p *Params) UnitNames() []string {
	names := make([]string, 0, len(p.Units))
	for unit := range p.Units {
		names = append(names, unit)
	}
	sort.Strings(names)
	return names
}

func (p *Params) policy(unit string) (UnitPolicy, bool) {
	policy, ok := p.Units[unit]
	return policy, ok
}

func normalizeUnit(unit string) string {
	return strings.ToLower(strings.TrimSpace(unit))
}
