// Package username implements the username normalizer (spec §4.H,
// component H): character-class translation, an allowed-character set, a
// default realm, and optional templated reformatting.
package username

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aras-services/mailauthd/internal/template"
)

// ErrEmpty is returned for an empty username (spec §4.G set_username:
// "empty username is rejected").
var ErrEmpty = errors.New("username: empty username")

// ErrDisallowedChar is returned when a byte falls outside AllowedChars.
var ErrDisallowedChar = errors.New("username: disallowed character")

// DefaultAllowedChars is the conventional permissive character set:
// letters, digits, and the handful of punctuation characters common in
// email-style usernames.
const DefaultAllowedChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.-_@"

// Normalizer holds the configured normalization rules.
type Normalizer struct {
	// DefaultRealm is appended as "@realm" when name has no '@'.
	DefaultRealm string

	// Translation is a 256-entry byte->byte map; 0 means "leave this
	// byte unchanged" (spec §4.H).
	Translation [256]byte

	// AllowedChars is the set of bytes permitted after translation. An
	// empty set means "allow anything" (no restriction configured).
	AllowedChars string

	// Format is an optional %-template (package template) used to
	// rewrite the final username, e.g. "%n" to strip a realm back off.
	// Empty means no rewrite.
	Format string
}

// Normalize applies realm defaulting, byte translation, the allowed-char
// check, and the optional username_format rewrite, in that order (spec
// §4.H).
func (n *Normalizer) Normalize(name string) (string, error) {
	if name == "" {
		return "", ErrEmpty
	}

	if !strings.ContainsRune(name, '@') && n.DefaultRealm != "" {
		name = name + "@" + n.DefaultRealm
	}

	translated := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if n.Translation[c] != 0 {
			c = n.Translation[c]
		}
		translated[i] = c
	}
	name = string(translated)

	if n.AllowedChars != "" {
		for i := 0; i < len(name); i++ {
			if !strings.ContainsRune(n.AllowedChars, rune(name[i])) {
				return "", fmt.Errorf("%w: %q in %q", ErrDisallowedChar, name[i], name)
			}
		}
	}

	if n.Format != "" {
		vars := template.VarsFromUser(name)
		name = template.Expand(n.Format, vars, nil)
	}

	return name, nil
}
