package entitlement

import (
	"time"

	"github.com/rcourtman/bizdesk/pkg/catalog"
)

// State is the derived entitlement for the current principal. It is never
// persisted and is always replaced as a whole.
type State struct {
	// Active is true iff the current record is active and not expired.
	Active bool `json:"isActive"`
	// Services lists the unlocked service ids, sorted and de-duplicated.
	// It is non-empty only when Active is true.
	Services []catalog.ServiceID `json:"unlockedServiceIds"`
	// Loading distinguishes "not yet resolved" from "resolved to nothing".
	Loading bool `json:"isLoading"`

	Status    Status     `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Empty is the resolved "not entitled" state.
func Empty() State {
	return State{Services: []catalog.ServiceID{}}
}

// Pending is the unresolved state published before the first lookup
// completes.
func Pending() State {
	return State{Services: []catalog.ServiceID{}, Loading: true}
}

// Contains reports whether id is in the unlocked set.
func (s State) Contains(id catalog.ServiceID) bool {
	for _, svc := range s.Services {
		if svc == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	cp := s
	cp.Services = make([]catalog.ServiceID, len(s.Services))
	copy(cp.Services, s.Services)
	cp.ExpiresAt = cloneTime(s.ExpiresAt)
	return cp
}
