package api

import (
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/catalog"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/rcourtman/bizdesk/pkg/identity"
)

// ServiceView is a catalog entry decorated for one entitlement state.
type ServiceView struct {
	catalog.Service
	AppURL     string `json:"route"`
	PreviewURL string `json:"previewRoute"`
	Locked     bool   `json:"locked"`
}

// EntitlementsView is the entitlement payload shared by the JSON API and
// the websocket stream.
type EntitlementsView struct {
	entitlement.State
	Services     []ServiceView `json:"services"`
	StrictBundle bool          `json:"strictBundle"`
	Error        string        `json:"error,omitempty"`
}

// NewEntitlementsView decorates every catalog service for state.
func NewEntitlementsView(gate *access.Gate, state entitlement.State) EntitlementsView {
	services := catalog.All()
	views := make([]ServiceView, 0, len(services))
	for _, svc := range services {
		views = append(views, ServiceView{
			Service:    svc,
			AppURL:     svc.Route(),
			PreviewURL: svc.PreviewRoute(),
			Locked:     gate.Decorate(svc.ID, state).Locked,
		})
	}
	return EntitlementsView{
		State:        state,
		Services:     views,
		StrictBundle: gate.Strict(),
	}
}

// SessionView describes the caller's session.
type SessionView struct {
	Authenticated bool                `json:"authenticated"`
	Phase         identity.Phase      `json:"phase"`
	Principal     *identity.Principal `json:"principal,omitempty"`
	FromHint      bool                `json:"fromHint,omitempty"`
	Entitlements  EntitlementsView    `json:"entitlements"`
	OIDC          bool                `json:"oidc"`
	DevLogin      bool                `json:"devLogin"`
}
