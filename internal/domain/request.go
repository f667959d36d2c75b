package domain

import (
	"sync/atomic"

	"github.com/aras-services/mailauthd/internal/replybuffer"
)

// Phase is the request lifecycle position (spec §3 Lifecycles).
type Phase int

const (
	PhaseNew Phase = iota
	PhaseMechContinue
	PhasePassdb
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "NEW"
	case PhaseMechContinue:
		return "MECH-CONTINUE"
	case PhasePassdb:
		return "PASSDB"
	case PhaseFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Flags bundles the per-request boolean state from spec §3.
type Flags struct {
	Successful            bool
	PassdbFailure          bool // password OK but a post-check (allow_nets) failed
	InternalFailure        bool
	PassdbInternalFailure  bool // some passdb hit INTERNAL_FAILURE even if a later one said user-unknown
	NoPassword             bool // passdb allows any password
	NoFailureDelay         bool
	SkipPasswordCheck      bool // set after master-user substitution
	NoLogin                bool // do not send a successful reply to the front-end
	CertUsername           bool // user came from a TLS peer cert, overrides mechanism
	Proxy                  bool // front-end should forward instead of logging in locally
}

// Request is one authentication attempt (spec §3). It is pure data: the
// behavior that drives it through mechanism negotiation, passdb/userdb
// lookups and chain policy lives in package authrequest, which wraps a
// *Request together with the pipeline's chains, cache and worker client.
type Request struct {
	refcount int32

	Phase Phase

	User                string
	OriginalUsername    string
	RequestedLoginUser  string
	MasterUser          string

	Password   Secret // mechanism-provided plaintext, zeroed after use
	Credential Secret // backend-provided credential, zeroed after use
	CredentialScheme string // scheme tag of Credential, e.g. "CRYPT"

	RequestedScheme string // scheme the mechanism asked lookup_credentials for

	PassdbCursor int
	UserdbCursor int

	ExtraFields *replybuffer.Buffer
	UserdbReply *replybuffer.Buffer

	Flags Flags

	Peer Peer
}

// NewRequest returns a fresh Request in PhaseNew with refcount 1.
func NewRequest(peer Peer) *Request {
	return &Request{
		refcount:    1,
		Phase:       PhaseNew,
		ExtraFields: replybuffer.New(),
		UserdbReply: replybuffer.New(),
		Peer:        peer,
	}
}

// Ref increments the reference count, mirroring the original's shared
// pool-of-objects discipline: the mechanism and each outstanding callback
// each carry a clone (spec §9 Design Notes).
func (r *Request) Ref() { atomic.AddInt32(&r.refcount, 1) }

// Unref decrements the reference count and reports whether this was the
// last reference. Callers that get true back must not use r afterwards;
// the caller that observes the last unref is responsible for invoking
// Wipe().
func (r *Request) Unref() bool {
	return atomic.AddInt32(&r.refcount, -1) == 0
}

// RefCount returns the current reference count, for tests.
func (r *Request) RefCount() int32 { return atomic.LoadInt32(&r.refcount) }

// Wipe zeroes all sensitive material held by the request. The
// authrequest layer calls it when a request finishes (Success or Fail);
// calling it again is harmless.
func (r *Request) Wipe() {
	r.Password.Wipe()
	r.Credential.Wipe()
}

// ResetExtraFields truncates the per-attempt extra-fields buffer, used by
// the chain policy when advancing to the next passdb (spec §4.G step 5:
// "reset the per-attempt extra-fields buffer").
func (r *Request) ResetExtraFields() {
	r.ExtraFields.Reset()
}
