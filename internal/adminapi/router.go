// Package adminapi implements the read-mostly HTTP control surface beside
// the authentication pipeline (SPEC_FULL §4.L, component L): liveness,
// stats, and JWT-guarded cache-flush / worker-drain operations. It never
// calls into passdb/userdb drivers directly — only the cache's atomic
// counters and the worker pool's mutex-guarded snapshot, both safe for
// concurrent access from net/http's per-request goroutines.
package adminapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/cache"
	"github.com/aras-services/mailauthd/internal/worker"
)

// Config bundles the dependencies and signing key the router needs.
type Config struct {
	Cache      *cache.Cache
	Worker     *worker.Pool // may be nil if the process runs no blocking drivers
	Topology   Topology     // shape of the pipeline context this process constructed
	Logger     *zap.Logger
	SigningKey []byte // HMAC key verifying admin bearer tokens
}

// NewRouter builds the chi router serving the admin API (spec §4.L).
func NewRouter(cfg Config) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		cache:    cfg.Cache,
		worker:   cfg.Worker,
		topology: cfg.Topology,
		validate: validator.New(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(newCORSMiddleware())

	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)

	r.Group(func(r chi.Router) {
		r.Use(requireAdminJWT(cfg.SigningKey))
		r.Post("/cache/flush", h.cacheFlush)
		r.Post("/workers/drain", h.workersDrain)
	})

	return r
}
