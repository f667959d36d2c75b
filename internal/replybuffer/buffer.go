// Package replybuffer implements the tab-separated key[=value] accumulator
// used to serialize lookup results to front-ends and to the cache (spec
// §4.A, component A).
package replybuffer

import (
	"fmt"
	"strings"
)

const (
	sep        = '\t'
	escapeByte = 0x01
)

// Buffer is a growable tab-separated record accumulator. The zero value is
// ready to use.
type Buffer struct {
	b strings.Builder
	n int // number of records written, for separator bookkeeping
}

// New returns an empty Buffer.
func New() *Buffer { return &Buffer{} }

// Add appends a bare "key" record. Panics if key is empty or contains TAB
// or LF: those are the true programming-bug invariants of component A
// (spec §4.A).
func (buf *Buffer) Add(key string) {
	buf.checkKey(key)
	buf.writeSep()
	buf.b.WriteString(key)
	buf.n++
}

// AddKV appends a "key=value" record, escaping value per spec §4.A:
// 0x01 -> "\x01 1", TAB -> "\x01 t", LF -> "\x01 n", else literal.
func (buf *Buffer) AddKV(key, value string) {
	buf.checkKey(key)
	buf.writeSep()
	buf.b.WriteString(key)
	buf.b.WriteByte('=')
	buf.b.WriteString(Escape(value))
	buf.n++
}

func (buf *Buffer) checkKey(key string) {
	if key == "" {
		panic("replybuffer: key must not be empty")
	}
	if strings.IndexByte(key, sep) >= 0 || strings.IndexByte(key, '\n') >= 0 {
		panic(fmt.Sprintf("replybuffer: key %q contains TAB or LF", key))
	}
}

func (buf *Buffer) writeSep() {
	if buf.n > 0 {
		buf.b.WriteByte(sep)
	}
}

// Escape encodes value for safe inclusion as a record's value per the
// component A escape rules.
func Escape(value string) string {
	if strings.IndexByte(value, escapeByte) < 0 &&
		strings.IndexByte(value, sep) < 0 &&
		strings.IndexByte(value, '\n') < 0 {
		return value
	}
	var out strings.Builder
	out.Grow(len(value) + 4)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case escapeByte:
			out.WriteByte(escapeByte)
			out.WriteByte('1')
		case sep:
			out.WriteByte(escapeByte)
			out.WriteByte('t')
		case '\n':
			out.WriteByte(escapeByte)
			out.WriteByte('n')
		default:
			out.WriteByte(value[i])
		}
	}
	return out.String()
}

// Unescape reverses Escape.
func Unescape(value string) string {
	if strings.IndexByte(value, escapeByte) < 0 {
		return value
	}
	var out strings.Builder
	out.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] == escapeByte && i+1 < len(value) {
			switch value[i+1] {
			case '1':
				out.WriteByte(escapeByte)
				i++
				continue
			case 't':
				out.WriteByte(sep)
				i++
				continue
			case 'n':
				out.WriteByte('\n')
				i++
				continue
			}
		}
		out.WriteByte(value[i])
	}
	return out.String()
}

// Reset truncates the buffer back to empty.
func (buf *Buffer) Reset() {
	buf.b.Reset()
	buf.n = 0
}

// Import concatenates str onto the buffer, inserting a separator first if
// the buffer is non-empty and str is non-empty.
func (buf *Buffer) Import(str string) {
	if str == "" {
		return
	}
	buf.writeSep()
	buf.b.WriteString(str)
	buf.n += strings.Count(str, string(sep)) + 1
}

// String returns the accumulated tab-separated record stream.
func (buf *Buffer) String() string { return buf.b.String() }

// Record is one decoded key[=value] entry from Split.
type Record struct {
	Key   string
	Value string
	HasKV bool
}

// Split parses the original records of s (or of a Buffer's String())
// into a slice, one Record per tab-separated field with values
// unescaped. Splitting an empty string yields no records.
func Split(s string) []Record {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, string(sep))
	out := make([]Record, 0, len(parts))
	for _, p := range parts {
		if idx := strings.IndexByte(p, '='); idx >= 0 {
			out = append(out, Record{Key: p[:idx], Value: Unescape(p[idx+1:]), HasKV: true})
		} else {
			out = append(out, Record{Key: p})
		}
	}
	return out
}

// Remove deletes one record matching key (with or without a "=value") from
// s and collapses the surrounding separator, returning the new string and
// whether a record was removed.
func Remove(s, key string) (string, bool) {
	if s == "" {
		return s, false
	}
	parts := strings.Split(s, string(sep))
	for i, p := range parts {
		k := p
		if idx := strings.IndexByte(p, '='); idx >= 0 {
			k = p[:idx]
		}
		if k == key {
			parts = append(parts[:i], parts[i+1:]...)
			return strings.Join(parts, string(sep)), true
		}
	}
	return s, false
}
