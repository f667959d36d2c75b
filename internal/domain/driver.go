package domain

import "context"

// PassdbCallback is invoked by a driver exactly once to report the
// uniform result of a verify_plain/lookup_credentials/set_credentials call
// (spec §4.G step 3, §6 driver contract). For a successful
// lookup_credentials call the driver must have already populated
// req.Credential/req.CredentialScheme before invoking the callback with
// PassOK.
type PassdbCallback func(PassResult)

// UserdbCallback is invoked by a userdb driver exactly once. On UserOK the
// driver must have already filled req.UserdbReply.
type UserdbCallback func(UserResult)

// PassdbDriver is the uniform capability set a passdb backend exposes
// (spec §4.D, §6). LookupCredentials and SetCredentials are optional: a
// driver that does not implement CredentialLookupDriver /
// CredentialSetterDriver causes the pipeline to synthesize
// PassSchemeNotAvailable / PassInternalFailure respectively, per spec §6.
type PassdbDriver interface {
	// Name identifies the driver for logging and worker dispatch.
	Name() string

	// CacheKeyTemplate returns the %-template used to build this
	// driver's cache key, or "" if results from this driver must never
	// be cached. Invariant (spec §3): non-empty implies DefaultScheme
	// is non-empty too.
	CacheKeyTemplate() string

	// DefaultScheme is the scheme a credential is assumed to be stored
	// in when a backend does not report one explicitly.
	DefaultScheme() string

	// Blocking reports whether calls to this driver must be routed
	// through the worker offload (spec §4.E) rather than called inline.
	Blocking() bool

	// VerifyPlain checks password against the user recorded in req.
	VerifyPlain(ctx context.Context, req *Request, password string, cb PassdbCallback)
}

// CredentialLookupDriver is implemented by passdb drivers that can return
// a stored credential without a plaintext password (spec §6:
// lookup_credentials, "optional; when absent, the pipeline synthesizes
// SCHEME_NOT_AVAILABLE").
type CredentialLookupDriver interface {
	LookupCredentials(ctx context.Context, req *Request, cb PassdbCallback)
}

// CredentialSetterDriver is implemented by passdb drivers that support
// changing a user's stored credential (spec §6: set_credentials,
// optional).
type CredentialSetterDriver interface {
	SetCredentials(ctx context.Context, req *Request, newCredential string, cb PassdbCallback)
}

// UserdbDriver is the uniform capability set a userdb backend exposes.
type UserdbDriver interface {
	Name() string
	CacheKeyTemplate() string
	Blocking() bool
	Lookup(ctx context.Context, req *Request, cb UserdbCallback)
}

// PassdbEntry is one link in the ordered passdb chain (spec §3 "Passdb
// entry (in chain)").
type PassdbEntry struct {
	ID     int
	Driver PassdbDriver
	Args   string

	// Pass: on success, continue to the next passdb instead of
	// stopping (used to accumulate extra fields before a later,
	// decisive passdb).
	Pass bool

	// Deny: success in this passdb means "this user is blocked".
	Deny bool

	// Master: this entry belongs to the master-passdb chain rather
	// than the main chain.
	Master bool
}

// UserdbEntry is one link in the ordered userdb chain.
type UserdbEntry struct {
	ID     int
	Driver UserdbDriver
}
