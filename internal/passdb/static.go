package passdb

import (
	"context"
	"sync"

	"github.com/aras-services/mailauthd/internal/credential"
	"github.com/aras-services/mailauthd/internal/domain"
)

// StaticUser is one configured entry of a StaticDriver.
type StaticUser struct {
	// Credential is a "{SCHEME}value" (or unscoped-plaintext) credential
	// string, as a passdb would store it.
	Credential string
	// ExtraFields is copied onto the request's reply buffer on a
	// successful lookup (spec §4.A extra fields, e.g. "uid=1000").
	ExtraFields map[string]string
}

// StaticDriver is a fixed, in-memory passdb driver (spec REDESIGN FLAGS:
// "a minimal static/deny passdb belongs in the reference tree so the
// pipeline is exercisable without a real SQL/LDAP backend"). It is not a
// production backend; it exists to anchor chain-policy tests and the
// deny-list use case in a concrete, non-blocking driver.
//
// Mode selects between two behaviors:
//   - ModeVerify (default): an entry's stored credential is checked
//     against the supplied password, same as a real passdb.
//   - ModeExists: presence in Users alone is OK, the password is never
//     consulted. This is how deny-lists are typically configured: "is
//     this user in the block set at all".
type StaticDriver struct {
	NameStr         string
	Users           map[string]StaticUser
	Mode            Mode
	DefaultSchemeStr string

	mu sync.RWMutex
}

// Mode selects StaticDriver's lookup semantics.
type Mode int

const (
	ModeVerify Mode = iota
	ModeExists
)

var _ domain.PassdbDriver = (*StaticDriver)(nil)
var _ domain.CredentialLookupDriver = (*StaticDriver)(nil)
var _ domain.CredentialSetterDriver = (*StaticDriver)(nil)

func (d *StaticDriver) Name() string { return d.NameStr }

func (d *StaticDriver) CacheKeyTemplate() string { return "%u" }

func (d *StaticDriver) DefaultScheme() string {
	if d.DefaultSchemeStr == "" {
		return "PLAIN"
	}
	return d.DefaultSchemeStr
}

func (d *StaticDriver) Blocking() bool { return false }

func (d *StaticDriver) VerifyPlain(ctx context.Context, req *domain.Request, password string, cb domain.PassdbCallback) {
	d.mu.RLock()
	u, ok := d.Users[req.User]
	d.mu.RUnlock()
	if !ok {
		cb(domain.PassUserUnknown)
		return
	}
	// A master-user substitution's second, extra-fields-only pass
	// through the main chain (spec §4.G Master-lookup finish) asks the
	// driver to skip the password check entirely; a real backend module
	// honors the same flag.
	if d.Mode == ModeExists || req.Flags.SkipPasswordCheck {
		applyFields(req, u.ExtraFields)
		rememberCredential(req, u.Credential, req.OriginalUsername)
		cb(domain.PassOK)
		return
	}
	match, err := credential.Verify(u.Credential, password, req.OriginalUsername)
	if err != nil {
		cb(domain.PassSchemeNotAvailable)
		return
	}
	if !match {
		cb(domain.PassPasswordMismatch)
		return
	}
	applyFields(req, u.ExtraFields)
	rememberCredential(req, u.Credential, req.OriginalUsername)
	cb(domain.PassOK)
}

// rememberCredential echoes the stored credential back onto the request
// the way a real passdb module reports it for caching (spec §4.C step 4:
// "positive results include password + extra fields"), so an expired
// cache fallback (step 4 of §4.G) has a credential to re-verify against.
func rememberCredential(req *domain.Request, storedCredential, originalUsername string) {
	scheme, value := credential.ParseTagged(storedCredential)
	if scheme == "" {
		scheme = "PLAIN"
		value = storedCredential
	}
	req.Credential = domain.NewSecret(value)
	req.CredentialScheme = scheme
}

func (d *StaticDriver) LookupCredentials(ctx context.Context, req *domain.Request, cb domain.PassdbCallback) {
	d.mu.RLock()
	u, ok := d.Users[req.User]
	d.mu.RUnlock()
	if !ok {
		cb(domain.PassUserUnknown)
		return
	}
	scheme, value := credential.ParseTagged(u.Credential)
	if scheme == "" {
		scheme = "PLAIN"
	}
	out, resolved, err := credential.Translate(scheme, value, req.RequestedScheme, req.OriginalUsername, credential.Options{})
	if err != nil {
		cb(domain.PassSchemeNotAvailable)
		return
	}
	req.Credential = domain.NewSecret(out)
	req.CredentialScheme = resolved
	applyFields(req, u.ExtraFields)
	cb(domain.PassOK)
}

func (d *StaticDriver) SetCredentials(ctx context.Context, req *domain.Request, newCredential string, cb domain.PassdbCallback) {
	d.mu.Lock()
	u, ok := d.Users[req.User]
	if !ok {
		d.mu.Unlock()
		cb(domain.PassUserUnknown)
		return
	}
	u.Credential = newCredential
	d.Users[req.User] = u
	d.mu.Unlock()
	cb(domain.PassOK)
}

func applyFields(req *domain.Request, fields map[string]string) {
	if req.ExtraFields == nil || len(fields) == 0 {
		return
	}
	for k, v := range fields {
		req.ExtraFields.AddKV(k, v)
	}
}
