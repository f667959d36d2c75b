// Package workerserver implements the worker-process side of the offload
// protocol (spec §4.F, component F): a line-oriented command dispatcher
// that accepts connections from the master process and routes each
// PASSV/PASSL/SETCRED/USER command to the matching blocking driver.
package workerserver

import (
	"bufio"
	"context"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/domain"
	"github.com/aras-services/mailauthd/internal/passdb"
	"github.com/aras-services/mailauthd/internal/replybuffer"
	"github.com/aras-services/mailauthd/internal/userdb"
	"github.com/aras-services/mailauthd/internal/wireproto"
)

// Server dispatches worker commands to the blocking passdb/userdb chains
// it was configured with. It serves exactly one net.Listener and handles
// connections sequentially within each connection (one in-flight command
// per connection, matching the master's single-inflight assumption), but
// serves multiple connections concurrently.
// Server dispatches one command at a time per connection and writes its
// reply before reading the next line; the master never pipelines a
// second command ahead of a reply (worker.Pool's single-inflight rule),
// so there is no unbounded output backlog to throttle here.
type Server struct {
	Passdb *passdb.Chain
	Userdb *userdb.Chain
	Logger *zap.Logger
}

// New constructs a Server. logger may be nil.
func New(p *passdb.Chain, u *userdb.Chain, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Passdb: p, Userdb: u, Logger: logger}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown) or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	rd := bufio.NewReader(nc)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		cmd, err := wireproto.DecodeCommand(line)
		if err != nil {
			s.Logger.Warn("workerserver: malformed command, dropping connection", zap.Error(err))
			return
		}
		reply := s.dispatch(ctx, cmd)
		if _, err := io.WriteString(nc, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd wireproto.Command) string {
	switch cmd.Name {
	case wireproto.CmdPASSV:
		return s.dispatchPassdb(ctx, cmd, verifyPlain)
	case wireproto.CmdPASSL:
		return s.dispatchPassdb(ctx, cmd, lookupCredentials)
	case wireproto.CmdSETCRED:
		return s.dispatchPassdb(ctx, cmd, setCredentials)
	case wireproto.CmdUSER:
		return s.dispatchUserdb(ctx, cmd)
	default:
		return wireproto.EncodeFail(cmd.ID, domain.PassInternalFailure.WireCode())
	}
}

type passdbOp func(ctx context.Context, driver domain.PassdbDriver, req *domain.Request, arg string, cb domain.PassdbCallback)

func verifyPlain(ctx context.Context, driver domain.PassdbDriver, req *domain.Request, arg string, cb domain.PassdbCallback) {
	driver.VerifyPlain(ctx, req, arg, cb)
}

func lookupCredentials(ctx context.Context, driver domain.PassdbDriver, req *domain.Request, arg string, cb domain.PassdbCallback) {
	if l, ok := driver.(domain.CredentialLookupDriver); ok {
		req.RequestedScheme = arg
		l.LookupCredentials(ctx, req, cb)
		return
	}
	cb(domain.PassSchemeNotAvailable)
}

func setCredentials(ctx context.Context, driver domain.PassdbDriver, req *domain.Request, arg string, cb domain.PassdbCallback) {
	if s, ok := driver.(domain.CredentialSetterDriver); ok {
		s.SetCredentials(ctx, req, arg, cb)
		return
	}
	cb(domain.PassInternalFailure)
}

func (s *Server) dispatchPassdb(ctx context.Context, cmd wireproto.Command, op passdbOp) string {
	entry, ok := s.Passdb.ByID(cmd.DBID)
	if !ok {
		return wireproto.EncodeFail(cmd.ID, domain.PassInternalFailure.WireCode())
	}
	req := domain.NewRequest(domain.Peer{})
	req.User = cmd.User
	req.OriginalUsername = cmd.User
	req.ExtraFields.Import(cmd.Extra)

	resultCh := make(chan domain.PassResult, 1)
	op(ctx, entry.Driver, req, cmd.Arg, func(r domain.PassResult) { resultCh <- r })
	result := <-resultCh

	if result != domain.PassOK {
		return wireproto.EncodeFail(cmd.ID, result.WireCode())
	}

	fields := req.ExtraFields.String()
	if !req.Credential.Empty() {
		buf := replybuffer.New()
		buf.Import(fields)
		buf.AddKV("credentials", req.Credential.String())
		if req.CredentialScheme != "" {
			buf.AddKV("scheme", req.CredentialScheme)
		}
		fields = buf.String()
	}
	return wireproto.EncodeOK(cmd.ID, fields)
}

func (s *Server) dispatchUserdb(ctx context.Context, cmd wireproto.Command) string {
	entry, ok := s.Userdb.ByID(cmd.DBID)
	if !ok {
		return wireproto.EncodeFail(cmd.ID, domain.PassInternalFailure.WireCode())
	}
	req := domain.NewRequest(domain.Peer{})
	req.User = cmd.User
	req.OriginalUsername = cmd.User

	resultCh := make(chan domain.UserResult, 1)
	entry.Driver.Lookup(ctx, req, func(r domain.UserResult) { resultCh <- r })
	result := <-resultCh

	switch result {
	case domain.UserOK:
		return wireproto.EncodeOK(cmd.ID, req.UserdbReply.String())
	case domain.UserNotFound:
		return wireproto.EncodeNotFound(cmd.ID)
	default:
		return wireproto.EncodeFail(cmd.ID, domain.PassInternalFailure.WireCode())
	}
}
