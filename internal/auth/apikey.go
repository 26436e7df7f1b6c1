package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// KeyVerifier checks the static API key presented at /auth/token against
// its configured bcrypt hash. Only the hash is ever stored or configured;
// bcrypt's comparison is constant-time.
type KeyVerifier struct {
	hash []byte
}

// NewKeyVerifier takes the bcrypt hash of the accepted API key, as produced
// by HashKey or `vcrund hash-key`.
func NewKeyVerifier(hash string) (*KeyVerifier, error) {
	if hash == "" {
		return nil, errors.New("auth: API key hash is not configured")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.New("auth: API key hash is not a valid bcrypt hash")
	}
	return &KeyVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether the presented key matches.
func (v *KeyVerifier) Verify(key string) error {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return errors.New("auth: invalid API key")
	}
	return nil
}

// HashKey produces the bcrypt hash to put in the configuration. Cost 12
// keeps brute force expensive while the one login per token TTL stays
// cheap.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("auth: key must not be empty")
	}
	if len(key) > 72 {
		// bcrypt silently truncates beyond 72 bytes; reject instead.
		return "", errors.New("auth: key must be 72 bytes or fewer")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), 12)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
