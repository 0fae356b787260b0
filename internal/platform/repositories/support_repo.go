package repositories

import (
	"context"
	"database/sql"
	"errors"

	"keyauth/internal/platform/models"
)

type SupportRepository struct {
	db *sql.DB
}

func NewSupportRepository(db *sql.DB) *SupportRepository {
	return &SupportRepository{db: db}
}

func (r *SupportRepository) Create(ctx context.Context, s *models.SupportUser) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO supports (user_id, added_by, added_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, s.UserID, s.AddedBy, s.AddedAt).Scan(&s.ID)
}

func (r *SupportRepository) Get(ctx context.Context, userID string) (*models.SupportUser, error) {
	s := &models.SupportUser{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, added_by, added_at FROM supports WHERE user_id = $1
	`, userID).Scan(&s.ID, &s.UserID, &s.AddedBy, &s.AddedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *SupportRepository) Exists(ctx context.Context, userID string) (bool, error) {
	s, err := r.Get(ctx, userID)
	return s != nil, err
}

func (r *SupportRepository) Delete(ctx context.Context, userID string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `DELETE FROM supports WHERE user_id = $1`, userID))
}

func (r *SupportRepository) List(ctx context.Context) ([]models.SupportUser, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, added_by, added_at FROM supports
		ORDER BY added_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.SupportUser{}
	for rows.Next() {
		var s models.SupportUser
		if err := rows.Scan(&s.ID, &s.UserID, &s.AddedBy, &s.AddedAt); err != nil {
			return nil, err
		}
		users = append(users, s)
	}
	return users, rows.Err()
}
