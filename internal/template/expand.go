// Package template implements the small variable-expansion language used
// by cache keys, log prefixes, and driver query templates (spec §4.J,
// component J).
package template

import "strings"

// Vars holds the request-derived values the expander can resolve. Any
// field left at its zero value simply expands to an empty string; unknown
// %-codes pass through literally (spec §4.J: "the expander never reads
// unresolved variables; unknown codes pass through literally").
type Vars struct {
	U string // %u - full username (user@domain)
	N string // %n - username part before '@'
	D string // %d - domain part after '@'
	S string // %s - service name
	H string // %h - home directory
	L string // %l - local IP
	R string // %r - remote IP
	P string // %p - client PID
	W string // %w - plaintext password
	I string // %i - connect-uid
}

// VarsFromUser splits a full "user" or "user@domain" string into U/N/D,
// leaving the rest of Vars to be filled in by the caller.
func VarsFromUser(user string) Vars {
	v := Vars{U: user, N: user}
	if idx := strings.IndexByte(user, '@'); idx >= 0 {
		v.N = user[:idx]
		v.D = user[idx+1:]
	}
	return v
}

// EscapeFunc optionally transforms a resolved variable's value before it
// is written into the output (e.g. SQL-quoting, shell-quoting). A nil
// EscapeFunc performs no transformation.
type EscapeFunc func(string) string

// Expand materializes tmpl against vars, applying escape (if non-nil) to
// each resolved variable's value. %% is a literal percent sign.
func Expand(tmpl string, vars Vars, escape EscapeFunc) string {
	if !strings.ContainsRune(tmpl, '%') {
		return tmpl
	}
	var out strings.Builder
	out.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i+1 >= len(tmpl) {
			out.WriteByte(c)
			continue
		}
		code := tmpl[i+1]
		val, known := resolve(code, vars)
		switch {
		case code == '%':
			out.WriteByte('%')
		case known:
			if escape != nil {
				val = escape(val)
			}
			out.WriteString(val)
		default:
			// Unknown code: pass through literally, including the '%'.
			out.WriteByte('%')
			out.WriteByte(code)
		}
		i++
	}
	return out.String()
}

func resolve(code byte, vars Vars) (string, bool) {
	switch code {
	case 'u':
		return vars.U, true
	case 'n':
		return vars.N, true
	case 'd':
		return vars.D, true
	case 's':
		return vars.S, true
	case 'h':
		return vars.H, true
	case 'l':
		return vars.L, true
	case 'r':
		return vars.R, true
	case 'p':
		return vars.P, true
	case 'w':
		return vars.W, true
	case 'i':
		return vars.I, true
	default:
		return "", false
	}
}
