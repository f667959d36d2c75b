package authrequest

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/aras-services/mailauthd/internal/credential"
	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/netpolicy"
	"github.com/aras-services/mailauthd/internal/username"
)

// ErrMultiplePasswords is returned by SetField when "password" is set a
// second time for the same attempt (spec §4.G set_field: "multiple
// password values are an error").
var ErrMultiplePasswords = errors.New("authrequest: multiple password values")

// ErrNoPasswordConflict is returned by SetField when "nopassword" and an
// actual password are both present (spec §4.G: "illegal together with an
// actual password").
var ErrNoPasswordConflict = errors.New("authrequest: nopassword conflicts with a supplied password")

// ErrWrongPhase is returned by Initial/Continue when called out of turn.
var ErrWrongPhase = errors.New("authrequest: called in the wrong phase")

// Mechanism is the pluggable SASL layer the core hands raw protocol bytes
// to (spec §1 Non-goals: "SASL mechanism byte-level protocols ... the
// core sees only the mechanism contract"). Initial/Continue are expected
// to call back into the Request (VerifyPlain, LookupCredentials, Success,
// Fail) as the exchange progresses.
type Mechanism interface {
	Initial(r *Request, data []byte)
	Continue(r *Request, data []byte)
}

// FinalCallback reports the mechanism's terminal outcome for the whole
// attempt (spec §4.G: "success(reply) / fail() — mechanism terminal
// signals").
type FinalCallback func(ok bool, reply string)

// Request wraps a *domain.Request together with the pipeline it runs
// against and the bookkeeping the chain-policy algorithm needs across
// iterations (spec §4.G entirely).
type Request struct {
	pipeline *Pipeline
	req      *domain.Request
	mech     Mechanism
	final    FinalCallback

	usingMasterChain          bool
	masterSubstitutionPending bool
	rememberedInternalFailure bool
	certUsernameSet           bool
	passwordSet               bool
}

// New returns a fresh Request in PhaseNew bound to pipeline, mech and the
// attempt's terminal callback (spec §4.G "new(mech, callback)").
func New(pipeline *Pipeline, peer domain.Peer, mech Mechanism, final FinalCallback) *Request {
	return &Request{
		pipeline: pipeline,
		req:      domain.NewRequest(peer),
		mech:     mech,
		final:    final,
	}
}

// Domain exposes the underlying *domain.Request for callers (the admin
// API, audit, logging) that need read access to request state without a
// full authrequest dependency.
func (r *Request) Domain() *domain.Request { return r.req }

// SetUsername applies normalization (spec §4.H) and the master-user
// separator split (spec §4.G set_username). original_username is
// captured on first call and never overwritten; a TLS-imported
// cert_username (see SetCertUsername) wins over any later call.
func (r *Request) SetUsername(name string) error {
	if r.certUsernameSet {
		return nil
	}
	if name == "" {
		return fmt.Errorf("authrequest: %w", username.ErrEmpty)
	}

	candidate := name
	masterPart := ""
	if sep := r.pipeline.Config.MasterUserSeparator; sep != "" {
		if idx := strings.Index(name, sep); idx >= 0 {
			masterPart = name[:idx]
			candidate = name[idx+len(sep):]
		}
	}

	normalized, err := r.normalize(candidate)
	if err != nil {
		return err
	}

	if r.req.OriginalUsername == "" {
		r.req.OriginalUsername = name
	}
	r.req.User = normalized

	if masterPart != "" {
		normalizedMaster, err := r.normalize(masterPart)
		if err != nil {
			return err
		}
		r.req.RequestedLoginUser = r.req.User
		r.req.User = normalizedMaster
		r.masterSubstitutionPending = true
	}
	return nil
}

func (r *Request) normalize(name string) (string, error) {
	if r.pipeline.Normalizer == nil {
		return name, nil
	}
	return r.pipeline.Normalizer.Normalize(name)
}

// SetCertUsername imports a username sourced from a TLS peer certificate
// (spec §4.G: "If a TLS peer-cert username was imported, that name wins
// and later set_username calls do not replace it").
func (r *Request) SetCertUsername(name string) error {
	r.certUsernameSet = false
	if err := r.SetUsername(name); err != nil {
		return err
	}
	r.req.Flags.CertUsername = true
	r.certUsernameSet = true
	return nil
}

// SetField implements the driver-side field injection of spec §4.G
// set_field. defaultScheme is used to tag a bare (un-prefixed) password.
func (r *Request) SetField(name, value, defaultScheme string) error {
	switch name {
	case "password":
		if r.req.Flags.NoPassword {
			return ErrNoPasswordConflict
		}
		if r.passwordSet {
			return ErrMultiplePasswords
		}
		tagged := value
		if scheme, _ := credential.ParseTagged(value); scheme == "" {
			tagged = credential.Tag(defaultScheme, value)
		}
		r.req.Password = domain.NewSecret(tagged)
		r.passwordSet = true
	case "user":
		r.req.User = value
	case "nodelay":
		r.req.Flags.NoFailureDelay = true
	case "nopassword":
		if r.passwordSet {
			return ErrNoPasswordConflict
		}
		r.req.Flags.NoPassword = true
	case "allow_nets":
		r.checkAllowedNets(value)
	case "nologin":
		r.req.Flags.NoLogin = true
	case "proxy":
		r.req.Flags.Proxy = true
	default:
		r.req.ExtraFields.AddKV(name, value)
	}
	return nil
}

// checkAllowedNets enforces a passdb-supplied allow_nets extra field: value
// is the per-user CIDR/IP list the driver returned (spec §4.G, glossary
// "allow_nets": "a per-user extra field listing CIDR blocks"), not a
// pipeline-wide setting, since a passdb is free to return a different
// list per user.
func (r *Request) checkAllowedNets(value string) {
	nets := strings.FieldsFunc(value, func(c rune) bool { return c == ',' || c == ' ' })
	if len(nets) == 0 {
		return
	}
	ip := r.req.Peer.RemoteIP
	if ip == (netip.Addr{}) || !netpolicy.InAnyNetwork(nets, ip) {
		r.req.Flags.PassdbFailure = true
	}
}

// Initial hands the mechanism's initial response to the Mechanism plugin,
// transitioning NEW -> MECH-CONTINUE (spec §4.G).
func (r *Request) Initial(data []byte) error {
	if r.req.Phase != domain.PhaseNew {
		return ErrWrongPhase
	}
	r.req.Phase = domain.PhaseMechContinue
	r.mech.Initial(r, data)
	return nil
}

// Continue hands a subsequent client message to the mechanism. Must be
// called in MECH-CONTINUE.
func (r *Request) Continue(data []byte) error {
	if r.req.Phase != domain.PhaseMechContinue {
		return ErrWrongPhase
	}
	r.mech.Continue(r, data)
	return nil
}

// Success finishes the attempt successfully, invoking the final callback
// with the assembled extra-fields reply unless no_login suppressed it.
func (r *Request) Success() {
	r.req.Phase = domain.PhaseFinished
	r.req.Flags.Successful = true
	reply := r.req.ExtraFields.String()
	if r.req.Flags.NoLogin {
		reply = ""
	}
	r.req.Wipe()
	if r.final != nil {
		r.final(true, reply)
	}
}

// Fail finishes the attempt unsuccessfully.
func (r *Request) Fail() {
	r.req.Phase = domain.PhaseFinished
	r.req.Wipe()
	if r.final != nil {
		r.final(false, "")
	}
}
