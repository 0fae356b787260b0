package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type LicenseKey struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	API         string     `json:"api"`
	Prefix      string     `json:"prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Devices     DeviceSet  `json:"hwid"`
	Banned      bool       `json:"banned"`
	Used        bool       `json:"used"`
	DeviceLimit int        `json:"device_limit"`
	SystemInfo  *string    `json:"system_info"`
	FirstUsed   *time.Time `json:"first_used"`
	Version     int64      `json:"-"`
}

// Expired reports whether now is strictly past the expiry instant.
func (k *LicenseKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// HasCapacity reports whether another device may be bound.
func (k *LicenseKey) HasCapacity() bool {
	return k.Devices.Len() < k.DeviceLimit
}

// KeySummary is the reduced projection returned by list_keys.
type KeySummary struct {
	Key       string    `json:"key"`
	Used      bool      `json:"used"`
	Banned    bool      `json:"banned"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Devices   DeviceSet `json:"hwid"`
}

// DeviceSet is the ordered set of hardware fingerprints bound to a key,
// stored as a JSON array in a TEXT column.
type DeviceSet []string

// ParseDeviceSet decodes a stored set. Unreadable values decode as empty.
func ParseDeviceSet(raw string) DeviceSet {
	if raw == "" {
		return DeviceSet{}
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return DeviceSet{}
	}
	set := make(DeviceSet, 0, len(values))
	for _, v := range values {
		if !set.Contains(v) {
			set = append(set, v)
		}
	}
	return set
}

func (d DeviceSet) Contains(fingerprint string) bool {
	for _, v := range d {
		if v == fingerprint {
			return true
		}
	}
	return false
}

func (d DeviceSet) Len() int { return len(d) }

// With returns a copy of d that includes fingerprint.
func (d DeviceSet) With(fingerprint string) DeviceSet {
	out := make(DeviceSet, len(d), len(d)+1)
	copy(out, d)
	if out.Contains(fingerprint) {
		return out
	}
	return append(out, fingerprint)
}

func (d DeviceSet) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(d))
}

// Value implements the driver.Valuer interface for DeviceSet
func (d DeviceSet) Value() (driver.Value, error) {
	b, err := d.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for DeviceSet
func (d *DeviceSet) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = DeviceSet{}
	case []byte:
		*d = ParseDeviceSet(string(v))
	case string:
		*d = ParseDeviceSet(v)
	default:
		return fmt.Errorf("unsupported device set type %T", value)
	}
	return nil
}
