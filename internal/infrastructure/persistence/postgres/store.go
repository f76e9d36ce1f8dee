// Package postgres implements every repository interface of the application
// layer on one pgxpool-backed Store. Queries are hand-written SQL; rows map
// to domain types through the scan helpers in this package.
package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/postpilot/postpilot/internal/application/jobs"
	"github.com/postpilot/postpilot/internal/application/registry"
	"github.com/postpilot/postpilot/internal/application/runs"
	"github.com/postpilot/postpilot/internal/application/scheduler"
)

// Store is the Postgres persistence layer.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time verification that Store implements all repository interfaces.
var (
	_ registry.CredentialRepository = (*Store)(nil)
	_ registry.SessionRepository    = (*Store)(nil)
	_ jobs.Repository               = (*Store)(nil)
	_ runs.Repository               = (*Store)(nil)
	_ scheduler.ScheduleRepository  = (*Store)(nil)
	_ scheduler.TemplateRepository  = (*Store)(nil)
	_ scheduler.AuditRecorder       = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, which the application layer sees as domain.ErrDuplicate.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
