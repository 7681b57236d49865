// Package apikey mints API keys. Only the bcrypt hash and an 8-character
// lookup prefix are ever stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// PrefixLen is how much of the raw key is stored in clear for lookup.
	PrefixLen = 8
	rawPrefix = "cs_"
)

// Scopes accepted on a key.
var Scopes = []string{"scans:write", "scans:read", "admin"}

var ErrInvalidScope = errors.New("invalid scope")

// New returns the raw key, shown once, and the record to persist.
func New(name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errors.New("name is required")
	}
	for _, s := range scopes {
		if !validScope(s) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generating key: %w", err)
	}
	raw := rawPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	now = now.UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    append([]string{}, scopes...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return raw, key, nil
}

// Matches reports whether raw is the key behind k.
func Matches(k *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil
}

func validScope(s string) bool {
	for _, v := range Scopes {
		if s == v {
			return true
		}
	}
	return false
}
