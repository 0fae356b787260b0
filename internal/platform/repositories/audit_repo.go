package repositories

import (
	"context"
	"database/sql"
	"encoding/json"

	"keyauth/internal/platform/models"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, e *models.AuditEntry) error {
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata = sql.NullString{String: string(e.Metadata), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, application, resource, metadata, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Actor, e.Action, e.Application, e.Resource, metadata, e.IPAddress, e.CreatedAt)
	return err
}

// List returns the most recent entries, newest first.
func (r *AuditRepository) List(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, application, resource, metadata, ip_address, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var application, resource, metadata, ip sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &application, &resource, &metadata, &ip, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Application = application.String
		e.Resource = resource.String
		e.IPAddress = ip.String
		if metadata.Valid && json.Valid([]byte(metadata.String)) {
			e.Metadata = json.RawMessage(metadata.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
