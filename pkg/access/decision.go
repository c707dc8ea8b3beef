package access

import "github.com/rcourtman/bizdesk/pkg/catalog"

// Verdict is the outcome of a route guard.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictRedirect Verdict = "redirect_to_preview"
)

// Decision is the route guard result. Location is the route the caller
// should serve: the app route when allowed, the preview route otherwise.
type Decision struct {
	Verdict  Verdict           `json:"verdict"`
	Service  catalog.ServiceID `json:"serviceId"`
	Location string            `json:"location"`
}

// Allow returns the allowing decision for id.
func Allow(id catalog.ServiceID) Decision {
	d := Decision{Verdict: VerdictAllow, Service: id}
	if svc, ok := catalog.Lookup(id); ok {
		d.Location = svc.Route()
	}
	return d
}

// RedirectToPreview returns the decision sending id to its preview route.
func RedirectToPreview(id catalog.ServiceID) Decision {
	d := Decision{Verdict: VerdictRedirect, Service: id, Location: "/"}
	if svc, ok := catalog.Lookup(id); ok {
		d.Location = svc.PreviewRoute()
	}
	return d
}

// Allowed reports whether the decision lets the view render.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}
