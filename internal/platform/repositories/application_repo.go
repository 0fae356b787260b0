package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"keyauth/internal/platform/models"
)

type ApplicationRepository struct {
	db *sql.DB
}

func NewApplicationRepository(db *sql.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

const applicationColumns = `id, name, api_key, created_by, created_at`

func scanApplication(s scanner) (*models.Application, error) {
	app := &models.Application{}
	if err := s.Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedBy, &app.CreatedAt); err != nil {
		return nil, err
	}
	return app, nil
}

func (r *ApplicationRepository) Create(ctx context.Context, app *models.Application) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO applications (name, api_key, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, app.Name, app.APIKey, app.CreatedBy, app.CreatedAt).Scan(&app.ID)
}

func (r *ApplicationRepository) GetByName(ctx context.Context, name string) (*models.Application, error) {
	app, err := scanApplication(r.db.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return app, nil
}

func (r *ApplicationRepository) GetByAPIKey(ctx context.Context, apiKey string) (*models.Application, error) {
	app, err := scanApplication(r.db.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE api_key = $1`, apiKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return app, nil
}

func (r *ApplicationRepository) CountByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applications WHERE created_by = $1`, owner).Scan(&count)
	return count, err
}

func (r *ApplicationRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications`).Scan(&count)
	return count, err
}

const summaryQuery = `
	SELECT a.id, a.name, a.api_key, a.created_by, a.created_at, COUNT(k.id)
	FROM applications a
	LEFT JOIN keys k ON k.api = a.api_key
	%s
	GROUP BY a.id, a.name, a.api_key, a.created_by, a.created_at
	ORDER BY a.created_at DESC, a.id DESC
`

// ListSummaries returns every application with its key count, newest first.
func (r *ApplicationRepository) ListSummaries(ctx context.Context) ([]models.ApplicationSummary, error) {
	return r.querySummaries(ctx, summaryWhere(""))
}

// ListSummariesByOwner is ListSummaries restricted to owner.
func (r *ApplicationRepository) ListSummariesByOwner(ctx context.Context, owner string) ([]models.ApplicationSummary, error) {
	return r.querySummaries(ctx, summaryWhere("WHERE a.created_by = $1"), owner)
}

func summaryWhere(where string) string {
	return fmt.Sprintf(summaryQuery, where)
}

func (r *ApplicationRepository) querySummaries(ctx context.Context, query string, args ...any) ([]models.ApplicationSummary, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.ApplicationSummary{}
	for rows.Next() {
		var s models.ApplicationSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.APIKey, &s.CreatedBy, &s.CreatedAt, &s.KeyCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListByOwner returns the plain application rows owned by owner.
func (r *ApplicationRepository) ListByOwner(ctx context.Context, owner string) ([]models.Application, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE created_by = $1
		ORDER BY created_at DESC, id DESC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := []models.Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// DeleteByName removes the application; its keys go with it via the
// foreign key cascade.
func (r *ApplicationRepository) DeleteByName(ctx context.Context, name string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `DELETE FROM applications WHERE name = $1`, name))
}
