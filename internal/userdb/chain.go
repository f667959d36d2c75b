// Package userdb holds the ordered userdb chain (spec §4.D, §4.G userdb
// phase): structural chain storage and the NOT-FOUND advance-and-retry
// cursor semantics. Userdb has no chain policy table to speak of — unlike
// passdb there is no deny/pass/master distinction, just "try the next one
// on NOTFOUND, give up on the first INTERNAL_FAILURE".
package userdb

import "github.com/aras-services/mailauthd/internal/domain"

// Chain is the ordered set of configured userdbs.
type Chain struct {
	entries []domain.UserdbEntry
}

// NewChain builds a Chain from entries, in configuration order.
func NewChain(entries []domain.UserdbEntry) *Chain {
	return &Chain{entries: append([]domain.UserdbEntry(nil), entries...)}
}

// Len returns the number of configured userdbs.
func (c *Chain) Len() int { return len(c.entries) }

// At returns the entry at cursor, or ok=false past the end.
func (c *Chain) At(cursor int) (domain.UserdbEntry, bool) {
	if cursor < 0 || cursor >= len(c.entries) {
		return domain.UserdbEntry{}, false
	}
	return c.entries[cursor], true
}

// ByID looks up an entry by its configured ID rather than by cursor
// position, as used by the worker side of the offload protocol.
func (c *Chain) ByID(id int) (domain.UserdbEntry, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e, true
		}
	}
	return domain.UserdbEntry{}, false
}
