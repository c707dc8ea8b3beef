package entitlement

import (
	"reflect"
	"testing"
	"time"

	"github.com/rcourtman/bizdesk/pkg/catalog"
)

func TestParseServiceIDs(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantIDs     []catalog.ServiceID
		wantDropped []string
	}{
		{name: "empty", raw: "", wantIDs: []catalog.ServiceID{}},
		{name: "single", raw: "3", wantIDs: []catalog.ServiceID{3}},
		{name: "comma list", raw: "1,2,3", wantIDs: []catalog.ServiceID{1, 2, 3}},
		{name: "unsorted with duplicates", raw: "5,1,5,3", wantIDs: []catalog.ServiceID{1, 3, 5}},
		{name: "malformed token dropped", raw: "1,x,3", wantIDs: []catalog.ServiceID{1, 3}, wantDropped: []string{"x"}},
		{name: "mixed separators", raw: " 2; 4 6 ", wantIDs: []catalog.ServiceID{2, 4, 6}},
		{name: "json style", raw: `["1","2"]`, wantIDs: []catalog.ServiceID{1, 2}},
		{name: "empty tokens ignored", raw: "1,,2,", wantIDs: []catalog.ServiceID{1, 2}},
		{name: "out of range kept", raw: "7,8", wantIDs: []catalog.ServiceID{7, 8}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ids, dropped := ParseServiceIDs(tt.raw)
			if !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
			}
			if !reflect.DeepEqual(dropped, tt.wantDropped) {
				t.Fatalf("dropped = %v, want %v", dropped, tt.wantDropped)
			}
		})
	}
}

func TestFormatServiceIDs(t *testing.T) {
	if got := FormatServiceIDs([]catalog.ServiceID{1, 3, 5}); got != "1,3,5" {
		t.Fatalf("FormatServiceIDs = %q", got)
	}
	if got := FormatServiceIDs(nil); got != "" {
		t.Fatalf("FormatServiceIDs(nil) = %q", got)
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name       string
		rec        *SubscriptionRecord
		wantActive bool
		wantIDs    []catalog.ServiceID
	}{
		{name: "nil record", rec: nil, wantIDs: []catalog.ServiceID{}},
		{
			name:       "active no expiry",
			rec:        &SubscriptionRecord{ServiceIDs: "3", Status: StatusActive},
			wantActive: true,
			wantIDs:    []catalog.ServiceID{3},
		},
		{
			name:       "active future expiry",
			rec:        &SubscriptionRecord{ServiceIDs: "1,2", Status: StatusActive, ExpiresAt: &future},
			wantActive: true,
			wantIDs:    []catalog.ServiceID{1, 2},
		},
		{
			name:    "expired",
			rec:     &SubscriptionRecord{ServiceIDs: "1,2,3,4,5,6", Status: StatusActive, ExpiresAt: &past},
			wantIDs: []catalog.ServiceID{},
		},
		{
			name:    "expires exactly now",
			rec:     &SubscriptionRecord{ServiceIDs: "1", Status: StatusActive, ExpiresAt: &now},
			wantIDs: []catalog.ServiceID{},
		},
		{
			name:    "created not yet paid",
			rec:     &SubscriptionRecord{ServiceIDs: "1", Status: StatusCreated},
			wantIDs: []catalog.ServiceID{},
		},
		{
			name:    "cancelled",
			rec:     &SubscriptionRecord{ServiceIDs: "1", Status: StatusCancelled},
			wantIDs: []catalog.ServiceID{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			state, _ := Evaluate(tt.rec, now)
			if state.Active != tt.wantActive {
				t.Fatalf("Active = %v, want %v", state.Active, tt.wantActive)
			}
			if !reflect.DeepEqual(state.Services, tt.wantIDs) {
				t.Fatalf("Services = %v, want %v", state.Services, tt.wantIDs)
			}
			if state.Loading {
				t.Fatal("evaluated state must not be loading")
			}
		})
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	exp := time.Now()
	s := State{Active: true, Services: []catalog.ServiceID{1, 2}, ExpiresAt: &exp}
	c := s.Clone()
	c.Services[0] = 9
	*c.ExpiresAt = exp.Add(time.Hour)

	if s.Services[0] != 1 || !s.ExpiresAt.Equal(exp) {
		t.Fatal("Clone shares memory with the original")
	}
	if !s.Contains(2) || s.Contains(3) {
		t.Fatal("Contains mismatch")
	}
}
