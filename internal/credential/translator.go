// Package credential implements the credential translator (spec §4.B,
// component B): decoding a stored {scheme}credential and, when possible,
// generating a credential in the scheme a mechanism asked for.
package credential

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// ErrSchemeNotAvailable is returned when the requested output scheme
// cannot be produced from the available input (spec §4.B: "fail
// SCHEME_NOT_AVAILABLE").
var ErrSchemeNotAvailable = errors.New("credential: scheme not available")

// ErrBadIterationCount is returned by a SCRAM-SHA-1 generation request
// whose iteration count falls outside the accepted window (DESIGN.md open
// question #4, consulting RFC 5802 §4).
var ErrBadIterationCount = errors.New("credential: scram iteration count out of range")

const (
	// MinScramIterations / MaxScramIterations bound the accepted
	// SCRAM-SHA-1 iteration count. RFC 5802 requires only that the
	// count be "reasonably large"; these bounds reject both
	// pointlessly weak and implausibly expensive configurations rather
	// than silently clamping a misconfigured backend.
	MinScramIterations = 4096
	MaxScramIterations = 100000

	// DefaultScramIterations is used when a caller asks for SCRAM-SHA-1
	// generation without specifying a count.
	DefaultScramIterations = 4096

	schemeCrypt   = "CRYPT"
	schemePlain   = "PLAIN"
	schemeScram1  = "SCRAM-SHA-1"
	bcryptCost    = 12
	scramSaltSize = 16
)

// aliasGroups lists schemes that are interchangeable with one another for
// pass-through purposes (spec §4.B: "if input and output schemes are
// aliases of each other, pass through").
var aliasGroups = [][]string{
	{schemePlain, "CLEARTEXT", "PLAIN-TRUNC"},
	{schemeCrypt, "CRYPT-SHA256", "CRYPT-SHA512"},
}

func canonicalScheme(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func groupOf(scheme string) []string {
	scheme = canonicalScheme(scheme)
	for _, g := range aliasGroups {
		for _, s := range g {
			if s == scheme {
				return g
			}
		}
	}
	return nil
}

func isAliasOf(a, b string) bool {
	a, b = canonicalScheme(a), canonicalScheme(b)
	if a == b {
		return true
	}
	g := groupOf(a)
	if g == nil {
		return false
	}
	for _, s := range g {
		if s == b {
			return true
		}
	}
	return false
}

func isPlaintext(scheme string) bool { return isAliasOf(scheme, schemePlain) }

// ParseTagged splits a stored credential of the form "{SCHEME}value". If
// cred has no "{...}" prefix it is treated as unscoped (scheme == "").
func ParseTagged(cred string) (scheme, value string) {
	if len(cred) > 0 && cred[0] == '{' {
		if end := strings.IndexByte(cred, '}'); end > 0 {
			return canonicalScheme(cred[1:end]), cred[end+1:]
		}
	}
	return "", cred
}

// Tag wraps value with a "{SCHEME}" prefix.
func Tag(scheme, value string) string {
	return "{" + canonicalScheme(scheme) + "}" + value
}

// Options controls scheme-specific generation parameters.
type Options struct {
	// ScramIterations, when non-zero, overrides DefaultScramIterations
	// for SCRAM-SHA-1 generation. Must fall within
	// [MinScramIterations, MaxScramIterations].
	ScramIterations int
}

// Translate implements the credential translator's decision table (spec
// §4.B). inputScheme/credential describe what a passdb returned;
// outputScheme is what the mechanism asked for ("" means "any");
// originalUsername is used as salt input for schemes that need a
// per-user binding (e.g. SCRAM-SHA-1 here, for deterministic reference
// generation).
func Translate(inputScheme, credentialValue, outputScheme, originalUsername string, opts Options) (outCredential, resolvedScheme string, err error) {
	if outputScheme == "" {
		// "any": keep the input as-is, report what was actually found.
		return credentialValue, inputScheme, nil
	}
	if isAliasOf(inputScheme, outputScheme) {
		return credentialValue, canonicalScheme(outputScheme), nil
	}
	if !isPlaintext(inputScheme) {
		return "", "", ErrSchemeNotAvailable
	}
	generated, err := generate(outputScheme, credentialValue, originalUsername, opts)
	if err != nil {
		return "", "", err
	}
	return generated, canonicalScheme(outputScheme), nil
}

func generate(outputScheme, plaintext, originalUsername string, opts Options) (string, error) {
	switch canonicalScheme(outputScheme) {
	case schemeCrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
		if err != nil {
			return "", fmt.Errorf("credential: bcrypt generate: %w", err)
		}
		return string(hashed), nil
	case schemeScram1:
		return generateScramSHA1(plaintext, originalUsername, opts)
	default:
		return "", ErrSchemeNotAvailable
	}
}

// generateScramSHA1 derives a SCRAM-SHA-1 credential storage string of the
// form "$<iterations>$<salt-b64>$<storedkey-b64>" (untagged; callers add
// the "{SCRAM-SHA-1}" tag with Tag), per the
// client-independent storage format described by RFC 5802 §3 (StoredKey
// derived from the salted password, without a ServerKey since this
// reference translator only needs to prove/verify, not run a live
// exchange).
func generateScramSHA1(plaintext, originalUsername string, opts Options) (string, error) {
	iterations := opts.ScramIterations
	if iterations == 0 {
		iterations = DefaultScramIterations
	}
	if iterations < MinScramIterations || iterations > MaxScramIterations {
		return "", ErrBadIterationCount
	}

	salt := saltFor(originalUsername)
	saltedPassword := pbkdf2.Key([]byte(plaintext), salt, iterations, sha1.Size, sha1.New)
	storedKey := hmacSHA1(saltedPassword, []byte("Client Key"))
	storedKey = sha1Sum(storedKey)

	enc := base64.StdEncoding
	return fmt.Sprintf("$%d$%s$%s", iterations, enc.EncodeToString(salt), enc.EncodeToString(storedKey)), nil
}

// saltFor derives a stable, non-secret salt from the username. A real
// deployment would persist a random salt per user; this translator only
// ever needs to regenerate a verifiable credential deterministically from
// a plaintext password plus the identity it is being generated for.
func saltFor(originalUsername string) []byte {
	if originalUsername == "" {
		originalUsername = "mailauthd"
	}
	sum := sha1Sum([]byte(originalUsername))
	return sum[:scramSaltSize]
}

func hmacSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha1Sum(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// Verify checks plaintext against a stored "{SCHEME}value" (or unscoped
// plaintext) credential, used both on a direct passdb OK reply and when
// replaying a cached credential (spec §4.G step 2: "the cached password
// ... is verified via the scheme layer").
func Verify(storedCredential, plaintext, originalUsername string) (bool, error) {
	scheme, value := ParseTagged(storedCredential)
	switch {
	case scheme == "" || isPlaintext(scheme):
		return subtle.ConstantTimeCompare([]byte(value), []byte(plaintext)) == 1, nil
	case isAliasOf(scheme, schemeCrypt):
		err := bcrypt.CompareHashAndPassword([]byte(value), []byte(plaintext))
		return err == nil, nil
	case isAliasOf(scheme, schemeScram1):
		return verifyScramSHA1(value, plaintext, originalUsername)
	default:
		return false, ErrSchemeNotAvailable
	}
}

func verifyScramSHA1(stored, plaintext, originalUsername string) (bool, error) {
	// stored == "$<iterations>$<salt-b64>$<storedkey-b64>"
	parts := strings.Split(strings.TrimPrefix(stored, "$"), "$")
	if len(parts) != 3 {
		return false, fmt.Errorf("credential: malformed scram-sha-1 storage string")
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil {
		return false, fmt.Errorf("credential: malformed scram-sha-1 iteration count: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("credential: malformed scram-sha-1 salt: %w", err)
	}
	wantStoredKey, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("credential: malformed scram-sha-1 stored key: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(plaintext), salt, iterations, sha1.Size, sha1.New)
	gotStoredKey := sha1Sum(hmacSHA1(saltedPassword, []byte("Client Key")))

	return subtle.ConstantTimeCompare(gotStoredKey, wantStoredKey) == 1, nil
}
