package meshproto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// IssueToken mints an announcement token bound to ip, valid for
// TokenValidity from now. The token is a hex-encoded SHA-256 digest of
// ip, secret, and the issue timestamp in epoch milliseconds.
func IssueToken(ip, secret string) (token string, issuedAt time.Time, expiresAt time.Time) {
	issuedAt = time.Now()
	token = deriveToken(ip, secret, issuedAt)
	expiresAt = issuedAt.Add(TokenValidity)
	return token, issuedAt, expiresAt
}

// VerifyToken reports whether token matches the digest re-derived from ip,
// secret, and issuedAt, AND issuedAt is still within TokenValidity of now.
// Comparison is constant-time to avoid timing side channels.
func VerifyToken(token, ip, secret string, issuedAt time.Time) bool {
	if time.Since(issuedAt) >= TokenValidity {
		return false
	}
	want := deriveToken(ip, secret, issuedAt)
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func deriveToken(ip, secret string, issuedAt time.Time) string {
	ms := issuedAt.UnixMilli()
	sum := sha256.Sum256([]byte(ip + ":" + secret + ":" + strconv.FormatInt(ms, 10)))
	return hex.EncodeToString(sum[:])
}
