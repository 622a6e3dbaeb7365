package authtest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

type sessionID [16]byte

const (
	refreshTokenRawSize = 48
	refreshSecretSize   = 32
)

func newSessionID() (sessionID, error) {
	var sid sessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s sessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func newRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func hashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// encodeRefreshToken packs the session ID and the secret into one opaque
// token. Only the hash of the secret is kept server side.
func encodeRefreshToken(sid sessionID, secret [refreshSecretSize]byte) string {
	var raw [refreshTokenRawSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func decodeRefreshToken(token string) (sessionID, [refreshSecretSize]byte, error) {
	var sid sessionID
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return sid, secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return sid, secret, errors.New("invalid refresh token size")
	}

	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid, secret, nil
}
