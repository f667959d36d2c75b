// Package passdb holds the ordered passdb chain (spec §3, §4.D, §4.G):
// structural chain storage and cursor access. The chain *policy* decision
// table — what to do with a given cursor entry and result — lives in
// package authrequest alongside the rest of the state machine, since it
// needs request-level state (the remembered internal-failure bit) that
// has no business living in a passive chain container.
package passdb

import "github.com/aras-services/mailauthd/internal/domain"

// Chain is the read-only-after-construction ordered set of configured
// passdbs: the main chain plus an optional master-user chain (spec §4.G
// set_username: "the prefix is the master candidate and is installed...
// via the master passdb chain").
type Chain struct {
	main   []domain.PassdbEntry
	master []domain.PassdbEntry
}

// NewChain builds a Chain from the main and (optionally empty) master
// passdb entry lists, in configuration order.
func NewChain(main, master []domain.PassdbEntry) *Chain {
	return &Chain{main: append([]domain.PassdbEntry(nil), main...), master: append([]domain.PassdbEntry(nil), master...)}
}

// Len returns the number of entries in the main chain.
func (c *Chain) Len() int { return len(c.main) }

// MasterLen returns the number of entries in the master chain.
func (c *Chain) MasterLen() int { return len(c.master) }

// HasMaster reports whether a master passdb chain is configured at all
// (spec §4.G verify algorithm step 1: "If the cursor is NULL (no master
// db configured) but a master substitution is being requested, fail
// USER_UNKNOWN").
func (c *Chain) HasMaster() bool { return len(c.master) > 0 }

// At returns the main-chain entry at cursor, or ok=false past the end.
func (c *Chain) At(cursor int) (domain.PassdbEntry, bool) {
	if cursor < 0 || cursor >= len(c.main) {
		return domain.PassdbEntry{}, false
	}
	return c.main[cursor], true
}

// MasterAt returns the master-chain entry at cursor, or ok=false past the
// end.
func (c *Chain) MasterAt(cursor int) (domain.PassdbEntry, bool) {
	if cursor < 0 || cursor >= len(c.master) {
		return domain.PassdbEntry{}, false
	}
	return c.master[cursor], true
}

// ByID looks up an entry (main or master chain) by its configured ID
// rather than by cursor position. The worker side of the offload
// protocol (spec §4.F) addresses entries this way, since a dispatched
// command only carries the passdb's stable ID, not the master's cursor.
func (c *Chain) ByID(id int) (domain.PassdbEntry, bool) {
	for _, e := range c.main {
		if e.ID == id {
			return e, true
		}
	}
	for _, e := range c.master {
		if e.ID == id {
			return e, true
		}
	}
	return domain.PassdbEntry{}, false
}
