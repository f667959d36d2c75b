// Command authworker is the blocking-backend offload process (spec §4.E,
// §4.F): it listens on the same UNIX socket authd's worker pool dials and
// serves PASSV/PASSL/SETCRED/USER commands against its own passdb/userdb
// chains. Splitting this into its own process keeps a driver that blocks
// the calling goroutine (a slow LDAP bind, a PAM conversation) from ever
// stalling the master process's request pipeline.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/config"
	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/passdb"
	"github.com/aras-services/mailauthd/internal/userdb"
	"github.com/aras-services/mailauthd/internal/workerserver"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	// PHASE 1: configuration and logging.
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("authworker: failed to load config: " + err.Error())
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic("authworker: failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	// PHASE 2: blocking driver chains. The reference tree ships only the
	// in-memory StaticDriver (spec.md Non-goals: concrete SQL/LDAP/PAM
	// driver bodies are out of scope); a real deployment substitutes its
	// own blocking PassdbDriver/UserdbDriver implementations here, keyed
	// by the same IDs authd's chains use so worker.Pool's wire commands
	// (which address entries by ID, not cursor) resolve correctly on
	// both sides.
	passdbChain := passdb.NewChain([]domain.PassdbEntry{
		{ID: 1, Driver: &passdb.StaticDriver{NameStr: "static", Mode: passdb.ModeVerify, Users: map[string]passdb.StaticUser{}}},
	}, nil)
	userdbChain := userdb.NewChain([]domain.UserdbEntry{
		{ID: 1, Driver: &userdb.StaticDriver{NameStr: "static", Users: map[string]map[string]string{}}},
	})

	// PHASE 3: listen and serve.
	if err := os.RemoveAll(cfg.Worker.SocketPath); err != nil && !os.IsNotExist(err) {
		logger.Fatal("failed to clear stale worker socket", zap.Error(err))
	}
	ln, err := net.Listen("unix", cfg.Worker.SocketPath)
	if err != nil {
		logger.Fatal("failed to listen on worker socket", zap.String("path", cfg.Worker.SocketPath), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := workerserver.New(passdbChain, userdbChain, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("worker server listening", zap.String("socket", cfg.Worker.SocketPath))
		serveErr <- server.Serve(ctx, ln)
	}()

	// PHASE 4: graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
		cancel()
		<-serveErr
	case err := <-serveErr:
		cancel()
		if err != nil {
			logger.Fatal("worker server stopped unexpectedly", zap.Error(err))
		}
	}
}
