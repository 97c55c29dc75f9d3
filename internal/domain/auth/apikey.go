package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// ErrInvalidAPIKey is returned when a presented key does not authenticate.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyInfo holds the identity bound to a stored API key.
type APIKeyInfo struct {
	ID            string
	KeyHash       string
	Name          string
	UserID        string
	Role          Role
	CustomerGroup string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper.
func HashAPIKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator resolves API keys to principals.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator with the given key repository
// and HMAC pepper.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate hashes key, looks it up and compares the stored hash in
// constant time.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (Principal, error) {
	if key == "" {
		return Principal{}, ErrInvalidAPIKey
	}

	hexHash := HashAPIKey(key, a.pepper)
	info, err := a.keys.FindByHash(ctx, hexHash)
	if err != nil {
		return Principal{}, errors.Wrapf(ErrInvalidAPIKey, "lookup: %v", err)
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return Principal{}, ErrInvalidAPIKey
	}
	computed, _ := hex.DecodeString(hexHash)
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return Principal{}, ErrInvalidAPIKey
	}

	return Principal{
		UserID:        info.UserID,
		Role:          info.Role,
		CustomerGroup: info.CustomerGroup,
	}, nil
}
