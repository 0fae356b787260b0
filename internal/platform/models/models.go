package models

import (
	"encoding/json"
	"time"
)

type Application struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ApplicationSummary is an application listed with its key count.
type ApplicationSummary struct {
	Application
	KeyCount int `json:"key_count"`
}

type SupportUser struct {
	ID      int64     `json:"id"`
	UserID  string    `json:"user_id"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

type AuditEntry struct {
	ID          string          `json:"id"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Application string          `json:"application,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// KeyStats is a point-in-time breakdown of the keys table.
type KeyStats struct {
	Total        int64
	Active       int64
	Expired      int64
	Banned       int64
	Unused       int64
	Applications int64
}

func (s KeyStats) States() map[string]int64 {
	return map[string]int64{
		"total":   s.Total,
		"active":  s.Active,
		"expired": s.Expired,
		"banned":  s.Banned,
		"unused":  s.Unused,
	}
}
