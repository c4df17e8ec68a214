package security

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errEmptyAPIKey = errors.New("security: api key is empty")

// HashAPIKey returns the bcrypt hash stored in `admin-api-keys`.
func HashAPIKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errEmptyAPIKey
	}
	hashed, errHash := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if errHash != nil {
		return "", fmt.Errorf("security: hash api key: %w", errHash)
	}
	return string(hashed), nil
}

// MatchAPIKey reports whether key matches any of the configured hashes.
func MatchAPIKey(hashes []string, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, hashed := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(hashed)), []byte(key)) == nil {
			return true
		}
	}
	return false
}
