package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/domain"
)

const sessionColumns = `id, credential_id, owner_id, profile_handle, status, nickname,
	error_code, error_message, last_verified_at, created_at, updated_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	err := row.Scan(&sess.ID, &sess.CredentialID, &sess.OwnerID, &sess.ProfileHandle, &sess.Status,
		&sess.Nickname, &sess.ErrorCode, &sess.ErrorMessage, &sess.LastVerifiedAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) InsertSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, credential_id, owner_id, profile_handle, status, nickname,
			error_code, error_message, last_verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.CredentialID, sess.OwnerID, sess.ProfileHandle, sess.Status, sess.Nickname,
		sess.ErrorCode, sess.ErrorMessage, sess.LastVerifiedAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("live session for credential %s: %w", sess.CredentialID, domain.ErrDuplicate)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) LiveSessionForCredential(ctx context.Context, credentialID uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE credential_id = $1 AND status IN ('PENDING', 'HEALTHY', 'EXPIRING')`,
		credentialID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("live session for credential %s: %w", credentialID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get live session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, nickname = $3, error_code = $4, error_message = $5,
			last_verified_at = $6, updated_at = $7
		WHERE id = $1`,
		sess.ID, sess.Status, sess.Nickname, sess.ErrorCode, sess.ErrorMessage,
		sess.LastVerifiedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) LatestSessionForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`,
		ownerID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session for owner %s: %w", ownerID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return sess, nil
}

func (s *Store) DispatchUsableSessionForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1 AND status IN ('HEALTHY', 'EXPIRING')
		ORDER BY last_verified_at DESC NULLS LAST
		LIMIT 1`,
		ownerID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("usable session for owner %s: %w", ownerID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get usable session: %w", err)
	}
	return sess, nil
}
