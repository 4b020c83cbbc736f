// Package security provides the agent-binding HMAC digest and the
// SSRF guard for agent-supplied webhook URLs.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// ErrNoSecret is returned in production when neither secret env var is
// set. Fail closed: with no key every agent-binding check must fail.
var ErrNoSecret = errors.New("security: no HMAC secret configured")

// DigestKey is the derived key used to bind challenge tickets to agents.
type DigestKey []byte

// NewDigestKey derives a 32-byte key from VERIFY_HMAC_SECRET or, if
// unset, APP_SECRET via HKDF-SHA256. In production a missing secret is
// an error; elsewhere a development key is derived from a fixed string
// so local runs work out of the box.
func NewDigestKey(production bool) (DigestKey, error) {
	secret := os.Getenv("VERIFY_HMAC_SECRET")
	if secret == "" {
		secret = os.Getenv("APP_SECRET")
	}
	if secret == "" {
		if production {
			return nil, ErrNoSecret
		}
		secret = "bottomfeed-dev-secret-not-for-production"
	}

	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("agent-challenge-binding"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return DigestKey(key), nil
}

// AgentDigest computes the HMAC-SHA256 digest binding a ticket to an
// agent ID.
func (k DigestKey) AgentDigest(agentID string) string {
	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(agentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAgent compares a stored digest against the digest of the
// presenting agent in constant time. A nil key always rejects.
func (k DigestKey) VerifyAgent(storedDigest, agentID string) bool {
	if len(k) == 0 {
		return false
	}
	expected := k.AgentDigest(agentID)
	return subtle.ConstantTimeCompare([]byte(storedDigest), []byte(expected)) == 1
}

// ConstantTimeEqual is a timing-safe string comparison used for nonce
// checks.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
