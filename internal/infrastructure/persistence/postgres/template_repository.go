package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postpilot/postpilot/internal/domain"
)

func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	var t domain.Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, target_board_key, subject_pattern, body_pattern, fixed_fields
		FROM templates WHERE id = $1`,
		id).Scan(&t.ID, &t.OwnerID, &t.TargetBoardKey, &t.SubjectPattern, &t.BodyPattern, &t.FixedFields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT url, image_order FROM template_images
		WHERE template_id = $1 ORDER BY image_order`,
		id)
	if err != nil {
		return nil, fmt.Errorf("template images: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var img domain.TemplateImage
		if err := rows.Scan(&img.URL, &img.Order); err != nil {
			return nil, fmt.Errorf("scan template image: %w", err)
		}
		t.Images = append(t.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("template images: %w", err)
	}
	return &t, nil
}
