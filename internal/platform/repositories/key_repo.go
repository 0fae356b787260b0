package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"keyauth/internal/platform/models"
)

type KeyRepository struct {
	db *sql.DB
}

func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

const keyColumns = `id, key, api, prefix, created_at, expires_at, hwid, banned, used, device_limit, system_info, first_used, version`

func scanKey(s scanner) (*models.LicenseKey, error) {
	k := &models.LicenseKey{}
	var systemInfo sql.NullString
	var firstUsed sql.NullTime

	err := s.Scan(&k.ID, &k.Key, &k.API, &k.Prefix, &k.CreatedAt, &k.ExpiresAt, &k.Devices,
		&k.Banned, &k.Used, &k.DeviceLimit, &systemInfo, &firstUsed, &k.Version)
	if err != nil {
		return nil, err
	}

	if systemInfo.Valid {
		k.SystemInfo = &systemInfo.String
	}
	if firstUsed.Valid {
		k.FirstUsed = &firstUsed.Time
	}
	return k, nil
}

func (r *KeyRepository) Create(ctx context.Context, k *models.LicenseKey) error {
	if k.Devices == nil {
		k.Devices = models.DeviceSet{}
	}
	return r.db.QueryRowContext(ctx, `
		INSERT INTO keys (key, api, prefix, created_at, expires_at, hwid, banned, used, device_limit, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, k.Key, k.API, k.Prefix, k.CreatedAt, k.ExpiresAt, k.Devices, k.Banned, k.Used, k.DeviceLimit, k.Version).Scan(&k.ID)
}

// Get returns the key only when it belongs to api.
func (r *KeyRepository) Get(ctx context.Context, api, key string) (*models.LicenseKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE key = $1 AND api = $2`, key, api))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return k, nil
}

func (r *KeyRepository) List(ctx context.Context, api string) ([]models.LicenseKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE api = $1 ORDER BY created_at DESC, id DESC`, api)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []models.LicenseKey{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (r *KeyRepository) ListSummaries(ctx context.Context, api string) ([]models.KeySummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, used, banned, expires_at, created_at, hwid
		FROM keys WHERE api = $1
		ORDER BY created_at DESC, id DESC
	`, api)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.KeySummary{}
	for rows.Next() {
		var s models.KeySummary
		if err := rows.Scan(&s.Key, &s.Used, &s.Banned, &s.ExpiresAt, &s.CreatedAt, &s.Devices); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *KeyRepository) Delete(ctx context.Context, api, key string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `DELETE FROM keys WHERE key = $1 AND api = $2`, key, api))
}

// Ban sets the banned flag. It bumps version so an in-flight binding
// re-reads the key.
func (r *KeyRepository) Ban(ctx context.Context, api, key string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE keys SET banned = TRUE, version = version + 1
		WHERE key = $1 AND api = $2
	`, key, api))
}

// ResetBinding returns the key to its unused state.
func (r *KeyRepository) ResetBinding(ctx context.Context, api, key string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE keys
		SET hwid = '[]', used = FALSE, system_info = NULL, first_used = NULL, version = version + 1
		WHERE key = $1 AND api = $2
	`, key, api))
}

// BindDevice persists a new device set if the row is still at
// expectedVersion. A false result means another writer got there first.
func (r *KeyRepository) BindDevice(ctx context.Context, api, key string, devices models.DeviceSet, systemInfo *string, now time.Time, expectedVersion int64) (bool, error) {
	var info sql.NullString
	if systemInfo != nil {
		info = sql.NullString{String: *systemInfo, Valid: true}
	}

	return affected(r.db.ExecContext(ctx, `
		UPDATE keys
		SET hwid = $1, used = TRUE, system_info = $2, first_used = COALESCE(first_used, $3), version = version + 1
		WHERE key = $4 AND api = $5 AND version = $6
	`, devices, info, now, key, api, expectedVersion))
}

// Stats counts keys by state as of now.
func (r *KeyRepository) Stats(ctx context.Context, now time.Time) (models.KeyStats, error) {
	var s models.KeyStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN banned THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT banned AND expires_at < $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT banned AND expires_at >= $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN NOT used THEN 1 ELSE 0 END), 0)
		FROM keys
	`, now).Scan(&s.Total, &s.Banned, &s.Expired, &s.Active, &s.Unused)
	return s, err
}
