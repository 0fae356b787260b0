package keys

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
)

const (
	codeChars         = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	MinCodeLength     = 6
	DefaultCodeLength = 12
	maxCollisions     = 5
)

// Largest multiple of len(codeChars) that fits in a byte; bytes at or above
// it are rejected so every character is equally likely.
const acceptBelow = 256 - 256%len(codeChars)

var ErrKeyCollision = errors.New("failed to generate unique key")

// Generator produces the random part of license keys.
type Generator struct {
	length int
	rand   io.Reader
}

func NewGenerator(length int) *Generator {
	if length < MinCodeLength {
		length = DefaultCodeLength
	}
	return &Generator{length: length, rand: rand.Reader}
}

func (g *Generator) Length() int { return g.length }

// Code returns length characters drawn uniformly from A-Z0-9.
func (g *Generator) Code(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)

	buf := make([]byte, length)
	for sb.Len() < length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= acceptBelow {
				continue
			}
			sb.WriteByte(codeChars[int(b)%len(codeChars)])
			if sb.Len() == length {
				break
			}
		}
	}
	return sb.String(), nil
}

// FormatKey joins a prefix and a code the way keys are presented to users.
func FormatKey(prefix, code string) string {
	return prefix + "-" + code
}

// insertFunc persists a candidate key and reports whether it collided with
// an existing one.
type insertFunc func(key string) (collided bool, err error)

// generateUnique retries on collision, then makes one last attempt with a
// longer code.
func (g *Generator) generateUnique(prefix string, insert insertFunc) (string, error) {
	for i := 0; i < maxCollisions; i++ {
		code, err := g.Code(g.length)
		if err != nil {
			return "", err
		}
		key := FormatKey(prefix, code)
		collided, err := insert(key)
		if err != nil {
			return "", err
		}
		if !collided {
			return key, nil
		}
	}

	// If collisions persist, increase length
	code, err := g.Code(g.length + 1)
	if err != nil {
		return "", err
	}
	key := FormatKey(prefix, code)
	collided, err := insert(key)
	if err != nil {
		return "", err
	}
	if collided {
		return "", ErrKeyCollision
	}
	return key, nil
}
