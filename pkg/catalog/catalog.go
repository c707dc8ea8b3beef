// Package catalog defines the fixed set of bizdesk services sold behind the
// subscription paywall.
//
// The catalog is static: ids, names and routes never change at runtime. The
// access gate relies on Count() to recognise the full bundle.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceID identifies one bundled service. Stored subscription records
// reference services by these integer ids.
type ServiceID int

// Service ids as persisted in subscription records.
const (
	CRM            ServiceID = 1
	HRM            ServiceID = 2
	SalesInventory ServiceID = 3
	UserRoles      ServiceID = 4
	Accounting     ServiceID = 5
	Dashboard      ServiceID = 6
)

const (
	appRoutePrefix     = "/app/"
	previewRoutePrefix = "/preview/"
)

// Service describes one catalog entry.
type Service struct {
	ID          ServiceID `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
}

// Route is the authenticated application route for the service.
func (s Service) Route() string {
	return appRoutePrefix + s.Slug
}

// PreviewRoute is the unauthenticated marketing route for the service.
func (s Service) PreviewRoute() string {
	return previewRoutePrefix + s.Slug
}

var services = []Service{
	{ID: CRM, Name: "CRM", Slug: "crm", Description: "Customers, leads and pipeline tracking"},
	{ID: HRM, Name: "HRM", Slug: "hrm", Description: "Employees, attendance and payroll records"},
	{ID: SalesInventory, Name: "Sales & Inventory", Slug: "sales-inventory", Description: "Products, stock levels and sales orders"},
	{ID: UserRoles, Name: "User Roles", Slug: "user-roles", Description: "Team members and role assignments"},
	{ID: Accounting, Name: "Accounting", Slug: "accounting", Description: "Invoices, expenses and ledgers"},
	{ID: Dashboard, Name: "Dashboard", Slug: "dashboard", Description: "Cross-module charts and KPIs"},
}

var (
	byID   = make(map[ServiceID]Service, len(services))
	bySlug = make(map[string]Service, len(services))
)

func init() {
	for _, svc := range services {
		byID[svc.ID] = svc
		bySlug[svc.Slug] = svc
	}
}

// Count returns the total number of services in the catalog.
func Count() int {
	return len(services)
}

// All returns the catalog ordered by id. The returned slice is a copy.
func All() []Service {
	out := make([]Service, len(services))
	copy(out, services)
	return out
}

// IDs returns every catalog id in ascending order.
func IDs() []ServiceID {
	ids := make([]ServiceID, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Lookup returns the service for id.
func Lookup(id ServiceID) (Service, bool) {
	svc, ok := byID[id]
	return svc, ok
}

// LookupSlug returns the service registered under slug (case-insensitive).
func LookupSlug(slug string) (Service, bool) {
	svc, ok := bySlug[strings.ToLower(strings.TrimSpace(slug))]
	return svc, ok
}

// Valid reports whether id belongs to the catalog.
func Valid(id ServiceID) bool {
	_, ok := byID[id]
	return ok
}

// DisplayName returns a human-readable name for id.
func DisplayName(id ServiceID) string {
	if svc, ok := byID[id]; ok {
		return svc.Name
	}
	return fmt.Sprintf("Service %d", int(id))
}

func (id ServiceID) String() string {
	return DisplayName(id)
}
