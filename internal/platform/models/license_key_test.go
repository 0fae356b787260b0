package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDeviceSet(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"empty string", "", 0},
		{"empty array", "[]", 0},
		{"two devices", `["a","b"]`, 2},
		{"duplicates collapse", `["a","a","b"]`, 2},
		{"corrupt", `{not json`, 0},
		{"wrong shape", `{"a":1}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDeviceSet(tt.raw); got.Len() != tt.want {
				t.Errorf("ParseDeviceSet(%q) len = %d, want %d", tt.raw, got.Len(), tt.want)
			}
		})
	}
}

func TestDeviceSetWith(t *testing.T) {
	base := DeviceSet{"m1"}

	grown := base.With("m2")
	if grown.Len() != 2 || !grown.Contains("m2") {
		t.Errorf("With(m2) = %v", grown)
	}
	if base.Len() != 1 {
		t.Errorf("With mutated the receiver: %v", base)
	}
	if same := grown.With("m1"); same.Len() != 2 {
		t.Errorf("With(existing) = %v, want unchanged", same)
	}
}

func TestDeviceSetScanValue(t *testing.T) {
	var d DeviceSet
	if err := d.Scan([]byte(`["x"]`)); err != nil || !d.Contains("x") {
		t.Fatalf("Scan([]byte) = %v, %v", d, err)
	}
	if err := d.Scan(nil); err != nil || d.Len() != 0 {
		t.Fatalf("Scan(nil) = %v, %v", d, err)
	}
	if err := d.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}

	var empty DeviceSet
	v, err := empty.Value()
	if err != nil || v != "[]" {
		t.Errorf("nil Value() = %v, %v; want []", v, err)
	}
}

func TestLicenseKeyJSONEmitsDeviceArray(t *testing.T) {
	k := LicenseKey{Key: "P-1", DeviceLimit: 1, ExpiresAt: time.Unix(0, 0).UTC()}
	b, err := json.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["hwid"].([]any); !ok {
		t.Errorf("hwid = %#v, want array", out["hwid"])
	}
	if _, ok := out["version"]; ok {
		t.Error("version must not be serialized")
	}
}

func TestLicenseKeyExpired(t *testing.T) {
	exp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	k := LicenseKey{ExpiresAt: exp}
	if k.Expired(exp) {
		t.Error("a key is not expired at exactly expires_at")
	}
	if !k.Expired(exp.Add(time.Nanosecond)) {
		t.Error("a key is expired just after expires_at")
	}
}
