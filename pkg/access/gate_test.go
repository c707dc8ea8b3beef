package access

import (
	"testing"

	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
)

// subsets enumerates every subset of ids 1..7 so states include
// out-of-range ids and every cardinality.
func subsets() [][]catalog.ServiceID {
	const n = 7
	var out [][]catalog.ServiceID
	for mask := 0; mask < 1<<n; mask++ {
		set := []catalog.ServiceID{}
		for bit := 0; bit < n; bit++ {
			if mask&(1<<bit) != 0 {
				set = append(set, catalog.ServiceID(bit+1))
			}
		}
		out = append(out, set)
	}
	return out
}

func TestFullCardinalityUnlocksEverything(t *testing.T) {
	gate := NewGate()
	for _, set := range subsets() {
		if len(set) != catalog.Count() {
			continue
		}
		state := entitlement.State{Active: true, Services: set}
		for _, id := range catalog.IDs() {
			if !gate.IsUnlocked(id, state) {
				t.Fatalf("IsUnlocked(%d, %v) = false, want true for full bundle", id, set)
			}
		}
	}
}

func TestInactiveUnlocksNothing(t *testing.T) {
	gate := NewGate()
	strict := NewGate(WithStrictBundle(true))
	for _, set := range subsets() {
		state := entitlement.State{Active: false, Services: set}
		for _, id := range catalog.IDs() {
			if gate.IsUnlocked(id, state) || strict.IsUnlocked(id, state) {
				t.Fatalf("inactive state %v unlocked service %d", set, id)
			}
		}
	}
}

func TestDecorationAgreesWithGuard(t *testing.T) {
	for _, gate := range []*Gate{NewGate(), NewGate(WithStrictBundle(true))} {
		for _, set := range subsets() {
			for _, active := range []bool{true, false} {
				state := entitlement.State{Active: active, Services: set}
				for _, id := range append(catalog.IDs(), 0, 42) {
					unlocked := gate.IsUnlocked(id, state)
					if gate.Decorate(id, state).Locked == unlocked {
						t.Fatalf("decoration disagrees for id=%d state=%+v", id, state)
					}
					if gate.RouteGuard(id, state).Allowed() != unlocked {
						t.Fatalf("route guard disagrees for id=%d state=%+v", id, state)
					}
				}
			}
		}
	}
}

func TestScenarios(t *testing.T) {
	gate := NewGate()
	tests := []struct {
		name     string
		state    entitlement.State
		id       catalog.ServiceID
		unlocked bool
	}{
		{name: "no subscription", state: entitlement.Empty(), id: catalog.CRM, unlocked: false},
		{name: "single service granted", state: entitlement.State{Active: true, Services: []catalog.ServiceID{3}}, id: 3, unlocked: true},
		{name: "single service other locked", state: entitlement.State{Active: true, Services: []catalog.ServiceID{3}}, id: 1, unlocked: false},
		{name: "pending state locked", state: entitlement.Pending(), id: 1, unlocked: false},
		{name: "six ids with outsider", state: entitlement.State{Active: true, Services: []catalog.ServiceID{1, 2, 3, 4, 5, 7}}, id: 6, unlocked: true},
		{name: "five ids", state: entitlement.State{Active: true, Services: []catalog.ServiceID{1, 2, 3, 4, 5}}, id: 6, unlocked: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.IsUnlocked(tt.id, tt.state); got != tt.unlocked {
				t.Fatalf("IsUnlocked(%d) = %v, want %v", tt.id, got, tt.unlocked)
			}
		})
	}
}

func TestStrictBundleRequiresMembership(t *testing.T) {
	gate := NewGate(WithStrictBundle(true))
	partial := entitlement.State{Active: true, Services: []catalog.ServiceID{1, 2, 3, 4, 5, 7}}
	if gate.IsUnlocked(catalog.Dashboard, partial) {
		t.Fatal("strict gate must not treat a six-element set without 6 as full access")
	}
	if !gate.IsUnlocked(catalog.CRM, partial) {
		t.Fatal("listed id must stay unlocked")
	}

	full := entitlement.State{Active: true, Services: []catalog.ServiceID{1, 2, 3, 4, 5, 6, 7}}
	if !gate.IsUnlocked(catalog.ServiceID(9), full) {
		t.Fatal("superset of the catalog unlocks every service under the strict rule")
	}
}

func TestRouteGuardLocations(t *testing.T) {
	gate := NewGate()
	state := entitlement.State{Active: true, Services: []catalog.ServiceID{catalog.HRM}}

	d := gate.RouteGuard(catalog.HRM, state)
	if !d.Allowed() || d.Location != "/app/hrm" {
		t.Fatalf("unexpected allow decision: %+v", d)
	}

	d = gate.RouteGuard(catalog.Accounting, state)
	if d.Allowed() || d.Verdict != VerdictRedirect || d.Location != "/preview/accounting" {
		t.Fatalf("unexpected redirect decision: %+v", d)
	}
}

func TestNavigation(t *testing.T) {
	gate := NewGate()
	state := entitlement.State{Active: true, Services: []catalog.ServiceID{catalog.CRM, catalog.Dashboard}}

	items := gate.Navigation(state)
	if len(items) != catalog.Count() {
		t.Fatalf("expected %d nav items, got %d", catalog.Count(), len(items))
	}
	for _, item := range items {
		wantLocked := item.ID != catalog.CRM && item.ID != catalog.Dashboard
		if item.Locked != wantLocked {
			t.Fatalf("%s locked = %v, want %v", item.Slug, item.Locked, wantLocked)
		}
		svc, _ := catalog.Lookup(item.ID)
		wantHref := svc.Route()
		if wantLocked {
			wantHref = svc.PreviewRoute()
		}
		if item.Href != wantHref {
			t.Fatalf("%s href = %q, want %q", item.Slug, item.Href, wantHref)
		}
	}

	unlocked := gate.UnlockedServices(state)
	if len(unlocked) != 2 || unlocked[0] != catalog.CRM || unlocked[1] != catalog.Dashboard {
		t.Fatalf("UnlockedServices = %v", unlocked)
	}
}
