// Command authd is the master process: it wires the pipeline context
// (passdb/userdb chains, cache, worker pool, audit logger) and serves the
// admin API. It does not speak a front-end wire protocol itself — that
// surface is intentionally out of scope (SPEC_FULL.md §1 Non-goals);
// front-ends are expected to embed internal/authrequest directly and call
// into the same pipeline context this process constructs.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/config"
	"github.com/aras-services/mailauthd/internal/adminapi"
	"github.com/aras-services/mailauthd/internal/audit"
	"github.com/aras-services/mailauthd/internal/authrequest"
	"github.com/aras-services/mailauthd/internal/cache"
	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/passdb"
	"github.com/aras-services/mailauthd/internal/userdb"
	"github.com/aras-services/mailauthd/internal/username"
	"github.com/aras-services/mailauthd/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	// PHASE 1: configuration and logging.
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("authd: failed to load config: " + err.Error())
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic("authd: failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	// PHASE 2: audit database — migrate, then open the long-lived pool.
	if err := audit.Migrate(cfg.DSN()); err != nil {
		logger.Fatal("failed to run audit log migrations", zap.Error(err))
	}
	db, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		logger.Fatal("failed to connect to audit database", zap.Error(err))
	}
	defer db.Close()
	auditLogger := audit.New(db, logger)

	// PHASE 3: pipeline context — chains, cache, worker pool, normalizer.
	// The reference tree ships only the in-memory StaticDriver (spec.md
	// Non-goals: concrete SQL/LDAP/PAM driver bodies are out of scope);
	// a real deployment substitutes its own PassdbDriver/UserdbDriver
	// implementations here without touching the rest of the pipeline.
	passdbChain := passdb.NewChain([]domain.PassdbEntry{
		{ID: 1, Driver: &passdb.StaticDriver{NameStr: "static", Mode: passdb.ModeVerify, Users: map[string]passdb.StaticUser{}}},
	}, nil)
	userdbChain := userdb.NewChain([]domain.UserdbEntry{
		{ID: 1, Driver: &userdb.StaticDriver{NameStr: "static", Users: map[string]map[string]string{}}},
	})
	resultCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.TTL, cfg.Cache.NegativeTTL)

	workerPool := worker.NewPool(worker.Config{
		MaxWorkers:      cfg.Worker.MaxCount,
		SpawnRetryDelay: cfg.Worker.SpawnRetryDelay,
		DefaultTimeout:  cfg.Worker.CallTimeout,
	}, dialWorkerSocket(cfg.Worker.SocketPath), logger)
	defer workerPool.Close()

	pipeline := &authrequest.Pipeline{
		Passdb: passdbChain,
		Userdb: userdbChain,
		Cache:  resultCache,
		Normalizer: &username.Normalizer{
			DefaultRealm: cfg.Username.DefaultRealm,
			AllowedChars: cfg.Username.UsernameChars,
			Format:       cfg.Username.UsernameFormat,
		},
		Worker: workerPool,
		Audit:  auditLogger,
		Logger: logger,
		Config: authrequest.Config{
			MasterUserSeparator: cfg.Username.MasterUserSeparator,
		},
	}
	// pipeline is this process's complete pipeline context (passdb/userdb
	// chains, cache, worker pool, audit sink) — embedded directly into
	// *authrequest.Pipeline rather than a separate wrapper type, since the
	// wrapper would carry no fields or behavior beyond what Pipeline
	// already has. A front-end login process links internal/authrequest
	// and constructs the same struct from the same config; this process's
	// own use of it is the admin API's read-only topology report below.

	// PHASE 4: admin API.
	router := adminapi.NewRouter(adminapi.Config{
		Cache:  resultCache,
		Worker: workerPool,
		Topology: adminapi.Topology{
			PassdbEntries:  pipeline.Passdb.Len(),
			UserdbEntries:  pipeline.Userdb.Len(),
			MasterEntries:  pipeline.Passdb.MasterLen(),
			HasMasterChain: pipeline.Passdb.HasMaster(),
		},
		Logger:     logger,
		SigningKey: []byte(cfg.Admin.JWTSigningKey),
	})
	server := &http.Server{Addr: cfg.ServerAddr(), Handler: router}

	go func() {
		logger.Info("admin API listening", zap.String("addr", cfg.ServerAddr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin API failed", zap.Error(err))
		}
	}()

	// PHASE 5: graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin API shutdown error", zap.Error(err))
	}
}

// dialWorkerSocket returns a worker.DialFunc connecting to the
// authworker process's listening UNIX socket (spec §4.E).
func dialWorkerSocket(path string) worker.DialFunc {
	var dialer net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", path)
	}
}
