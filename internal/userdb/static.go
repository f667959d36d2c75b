package userdb

import (
	"context"
	"sync"

	"github.com/aras-services/mailauthd/internal/domain"
)

// StaticDriver is a fixed, in-memory userdb driver, the userdb-side
// counterpart to passdb.StaticDriver: a reference backend for the chain
// and for tests, not a production driver.
type StaticDriver struct {
	NameStr string
	Users   map[string]map[string]string // username -> field map (e.g. "uid", "home")

	mu sync.RWMutex
}

var _ domain.UserdbDriver = (*StaticDriver)(nil)

func (d *StaticDriver) Name() string { return d.NameStr }

func (d *StaticDriver) CacheKeyTemplate() string { return "%u" }

func (d *StaticDriver) Blocking() bool { return false }

func (d *StaticDriver) Lookup(ctx context.Context, req *domain.Request, cb domain.UserdbCallback) {
	d.mu.RLock()
	fields, ok := d.Users[req.User]
	d.mu.RUnlock()
	if !ok {
		cb(domain.UserNotFound)
		return
	}
	for k, v := range fields {
		req.UserdbReply.AddKV(k, v)
	}
	cb(domain.UserOK)
}
