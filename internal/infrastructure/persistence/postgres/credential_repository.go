package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/domain"
)

const credentialColumns = `id, owner_id, login_name, secret_cipher, display_name, corrupt,
	last_login_at, last_login_outcome, created_at, updated_at`

func scanCredential(row pgx.Row) (*domain.Credential, error) {
	var c domain.Credential
	err := row.Scan(&c.ID, &c.OwnerID, &c.LoginName, &c.SecretCipher, &c.DisplayName, &c.Corrupt,
		&c.LastLoginAt, &c.LastLoginOutcome, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) InsertCredential(ctx context.Context, c *domain.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (id, owner_id, login_name, secret_cipher, display_name, corrupt,
			last_login_at, last_login_outcome, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.OwnerID, c.LoginName, c.SecretCipher, c.DisplayName, c.Corrupt,
		c.LastLoginAt, c.LastLoginOutcome, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential %s/%s: %w", c.OwnerID, c.LoginName, domain.ErrDuplicate)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*domain.Credential, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkCredentialCorrupt(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE credentials SET corrupt = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark credential corrupt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordCredentialLogin(ctx context.Context, id uuid.UUID, at time.Time, outcome string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET last_login_at = $2, last_login_outcome = $3, updated_at = now()
		WHERE id = $1`,
		id, at, outcome)
	if err != nil {
		return fmt.Errorf("record credential login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
