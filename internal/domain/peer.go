package domain

import "net/netip"

// Peer describes the front-end connection an authentication attempt
// arrived on (spec §3 Request.peer).
type Peer struct {
	Service    string
	LocalIP    netip.Addr
	RemoteIP   netip.Addr
	ConnectUID string // process-unique connection id, see SPEC_FULL §3
	ClientPID  int
}
