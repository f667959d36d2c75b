// Package audit implements the append-only master-user substitution audit
// trail (spec §4.G Master-lookup finish, SPEC_FULL §4.K, component K): one
// row per successful master-user login, written to Postgres via pgx.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Event carries one master-user substitution for persistence (SPEC_FULL
// §6 Audit log schema: "auth_audit_log(id uuid, master_user text,
// assumed_user text, service text, remote_ip text, occurred_at
// timestamptz)").
type Event struct {
	MasterUser  string
	AssumedUser string
	Service     string
	RemoteIP    string
	OccurredAt  time.Time
}

// Logger writes Events to auth_audit_log. The zero value is not usable;
// construct with New.
type Logger struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New wraps an already-connected pgx pool. logger may be nil.
func New(db *pgxpool.Pool, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{db: db, logger: logger}
}

// Log inserts one audit row. A write failure is logged and returned;
// LogMasterLogin, the login path's caller, discards it, so audit
// persistence never fails an authentication attempt (SPEC_FULL §4.K).
func (l *Logger) Log(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	const query = `
		INSERT INTO auth_audit_log (id, master_user, assumed_user, service, remote_ip, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.db.Exec(ctx, query, uuid.New(), event.MasterUser, event.AssumedUser, event.Service, event.RemoteIP, event.OccurredAt)
	if err != nil {
		l.logger.Warn("audit log write failed",
			zap.String("master_user", event.MasterUser),
			zap.String("assumed_user", event.AssumedUser),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// LogMasterLogin implements authrequest.AuditLogger: the pipeline calls
// this synchronously from the master-lookup finish step and ignores any
// returned error, matching Log's own never-fail-the-attempt contract.
func (l *Logger) LogMasterLogin(ctx context.Context, masterUser, loginUser, service string) {
	_ = l.Log(ctx, Event{MasterUser: masterUser, AssumedUser: loginUser, Service: service})
}
