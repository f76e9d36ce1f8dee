package postgres

import (
	"context"
	"fmt"

	"github.com/postpilot/postpilot/internal/domain"
)

func (s *Store) RecordAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, owner_id, schedule_id, action, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OwnerID, e.ScheduleID, e.Action, e.Reason, e.Actor, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}
