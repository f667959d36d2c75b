package authrequest

import (
	"strconv"

	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/template"
)

// cacheKeyFor expands a driver's cache key template against the current
// request and namespaces it by driver name so two differently named
// passdbs sharing a template (e.g. both "%u") never collide; drivers
// with the same name share keys (spec §4.C: "NULL or empty template
// means uncacheable").
func cacheKeyFor(name, tmpl string, req *domain.Request) string {
	if tmpl == "" {
		return ""
	}
	vars := template.VarsFromUser(req.User)
	vars.S = req.Peer.Service
	if req.Peer.LocalIP.IsValid() {
		vars.L = req.Peer.LocalIP.String()
	}
	if req.Peer.RemoteIP.IsValid() {
		vars.R = req.Peer.RemoteIP.String()
	}
	vars.P = strconv.Itoa(req.Peer.ClientPID)
	vars.I = req.Peer.ConnectUID
	return name + "\x00" + template.Expand(tmpl, vars, nil)
}
