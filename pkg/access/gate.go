// Package access answers whether a service is unlocked for an entitlement
// state and derives the routing and navigation policy from that answer.
//
// Every function here is a pure predicate over its inputs so that the
// navigation, the route guard and the JSON APIs always agree.
package access

import (
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
)

// Gate evaluates service access for entitlement states.
type Gate struct {
	strict bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithStrictBundle replaces the bundle cardinality rule with a membership
// check: an all-services bundle must actually list every catalog id.
func WithStrictBundle(strict bool) Option {
	return func(g *Gate) { g.strict = strict }
}

// NewGate creates a gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Strict reports whether the gate uses the membership bundle rule.
func (g *Gate) Strict() bool {
	return g != nil && g.strict
}

// IsUnlocked reports whether id is usable under state. An inactive state
// unlocks nothing. A state whose service list has as many entries as the
// catalog unlocks every service, whichever ids it lists.
func (g *Gate) IsUnlocked(id catalog.ServiceID, state entitlement.State) bool {
	if !state.Active {
		return false
	}
	if state.Contains(id) {
		return true
	}
	if g.Strict() {
		return coversCatalog(state.Services)
	}
	return len(state.Services) == catalog.Count()
}

// RouteGuard decides whether the authenticated view of id may render.
func (g *Gate) RouteGuard(id catalog.ServiceID, state entitlement.State) Decision {
	if g.IsUnlocked(id, state) {
		return Allow(id)
	}
	return RedirectToPreview(id)
}

// Decoration is the display-only lock state of a navigation entry.
type Decoration struct {
	Locked bool `json:"locked"`
}

// Decorate returns the navigation decoration for id. Locked is always the
// negation of IsUnlocked.
func (g *Gate) Decorate(id catalog.ServiceID, state entitlement.State) Decoration {
	return Decoration{Locked: !g.IsUnlocked(id, state)}
}

// NavItem is one rendered navigation entry.
type NavItem struct {
	ID     catalog.ServiceID `json:"id"`
	Name   string            `json:"name"`
	Slug   string            `json:"slug"`
	Href   string            `json:"href"`
	Locked bool              `json:"locked"`
}

// Navigation lists every catalog service with its decoration. Locked
// entries link to the preview route so following the link never hits the
// guard's redirect.
func (g *Gate) Navigation(state entitlement.State) []NavItem {
	services := catalog.All()
	items := make([]NavItem, 0, len(services))
	for _, svc := range services {
		decision := g.RouteGuard(svc.ID, state)
		items = append(items, NavItem{
			ID:     svc.ID,
			Name:   svc.Name,
			Slug:   svc.Slug,
			Href:   decision.Location,
			Locked: g.Decorate(svc.ID, state).Locked,
		})
	}
	return items
}

// UnlockedServices returns the catalog services unlocked under state.
func (g *Gate) UnlockedServices(state entitlement.State) []catalog.ServiceID {
	out := make([]catalog.ServiceID, 0, catalog.Count())
	for _, id := range catalog.IDs() {
		if g.IsUnlocked(id, state) {
			out = append(out, id)
		}
	}
	return out
}

func coversCatalog(ids []catalog.ServiceID) bool {
	have := make(map[catalog.ServiceID]struct{}, len(ids))
	for _, id := range ids {
		have[id] = struct{}{}
	}
	for _, id := range catalog.IDs() {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}
