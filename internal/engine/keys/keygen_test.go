package keys

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGenerator_Code(t *testing.T) {
	g := NewGenerator(12)
	for i := 0; i < 50; i++ {
		code, err := g.Code(g.Length())
		if err != nil {
			t.Fatalf("Code() error = %v", err)
		}
		if len(code) != 12 {
			t.Fatalf("len(%q) = %d, want 12", code, len(code))
		}
		for _, c := range code {
			if !strings.ContainsRune(codeChars, c) {
				t.Fatalf("unexpected character %q in %q", c, code)
			}
		}
	}
}

func TestGenerator_RejectsBiasedBytes(t *testing.T) {
	// 252..255 are discarded; 0 maps to 'A', 35 to '9'.
	g := &Generator{length: 6, rand: bytes.NewReader([]byte{255, 0, 252, 35, 253, 1, 2, 3, 254, 4, 5, 6})}
	code, err := g.Code(6)
	if err != nil {
		t.Fatalf("Code() error = %v", err)
	}
	if code != "A9BCDE" {
		t.Errorf("Code() = %q, want A9BCDE", code)
	}
}

func TestNewGenerator_EnforcesMinimum(t *testing.T) {
	if got := NewGenerator(4).Length(); got != DefaultCodeLength {
		t.Errorf("Length() = %d, want %d", got, DefaultCodeLength)
	}
	if got := NewGenerator(8).Length(); got != 8 {
		t.Errorf("Length() = %d, want 8", got)
	}
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator(6)

	tests := []struct {
		name       string
		collisions int
		wantLen    int
		wantErr    error
	}{
		{"first try", 0, len("TRIAL-") + 6, nil},
		{"retries within budget", 4, len("TRIAL-") + 6, nil},
		{"falls back to longer code", 5, len("TRIAL-") + 7, nil},
		{"gives up", 6, 0, ErrKeyCollision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			key, err := g.generateUnique("TRIAL", func(string) (bool, error) {
				attempts++
				return attempts <= tt.collisions, nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("generateUnique() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if !strings.HasPrefix(key, "TRIAL-") || len(key) != tt.wantLen {
					t.Errorf("key = %q, want TRIAL- prefix and length %d", key, tt.wantLen)
				}
			}
		})
	}
}

func TestGenerateUnique_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db error")
	_, err := NewGenerator(6).generateUnique("P", func(string) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}
