// Package authrequest implements the auth request state machine (spec
// §4.G, component G, the core): username normalization, mechanism
// handoff, the passdb verification/lookup algorithm with cache
// consultation and chain policy, master-user substitution, and the
// userdb enrichment phase.
package authrequest

import (
	"context"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/cache"
	"github.com/aras-services/mailauthd/internal/passdb"
	"github.com/aras-services/mailauthd/internal/userdb"
	"github.com/aras-services/mailauthd/internal/username"
	"github.com/aras-services/mailauthd/internal/worker"
)

// AuditLogger is the narrow contract authrequest needs from
// internal/audit: one call, made synchronously from the master-lookup
// finish step. A nil AuditLogger disables persistence but never disables
// the zap log line.
type AuditLogger interface {
	LogMasterLogin(ctx context.Context, masterUser, loginUser, service string)
}

// Config holds the small set of pipeline-wide knobs the state machine
// consults directly, as opposed to per-driver configuration owned by the
// chains themselves.
type Config struct {
	// MasterUserSeparator splits an incoming username into a master
	// candidate and the impersonated user (spec §4.G set_username). An
	// empty separator disables master-user substitution entirely.
	MasterUserSeparator string
}

// Pipeline bundles everything a Request needs: the configured chains,
// cache, username normalizer, worker pool, audit sink and logger. It is
// constructed once at process startup and shared by every Request.
type Pipeline struct {
	Passdb     *passdb.Chain
	Userdb     *userdb.Chain
	Cache      *cache.Cache
	Normalizer *username.Normalizer
	Worker     *worker.Pool
	Audit      AuditLogger
	Logger     *zap.Logger
	Config     Config
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
