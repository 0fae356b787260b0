package applications

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	credentialPrefix = "api_"
	credentialBytes  = 16
)

// NewCredential mints an application credential carrying 128 random bits.
func NewCredential() (string, error) {
	b := make([]byte, credentialBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return credentialPrefix + hex.EncodeToString(b), nil
}
