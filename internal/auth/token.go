// Package auth signs and verifies the bearer tokens that guard the cache
// administration API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrBadToken     = errors.New("bad token")
	ErrBadSig       = errors.New("invalid signature")
	ErrExpired      = errors.New("expired")
	ErrBadPayload   = errors.New("bad payload")
)

// Authorizer decides whether a request may use a privileged operation.
type Authorizer interface {
	Authorize(r *http.Request) (subject string, err error)
}

// AdminToken issues HMAC-SHA256 signed tokens of the form
// base64(subject|unix_exp).base64(sig).
type AdminToken struct {
	Secret []byte
	// Now defaults to time.Now
	Now func() time.Time
}

func (a AdminToken) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a AdminToken) Sign(subject string, exp time.Time) string {
	msg := subject + "|" + strconv.FormatInt(exp.Unix(), 10)
	mac := hmac.New(sha256.New, a.Secret)
	mac.Write([]byte(msg))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	payload := base64.RawURLEncoding.EncodeToString([]byte(msg))
	return payload + "." + sig
}

// Issue signs a token for subject that expires after ttl.
func (a AdminToken) Issue(subject string, ttl time.Duration) string {
	return a.Sign(subject, a.now().Add(ttl))
}

func (a AdminToken) Verify(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", ErrBadToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrBadToken
	}

	mac := hmac.New(sha256.New, a.Secret)
	mac.Write(raw)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", ErrBadSig
	}

	fields := strings.SplitN(string(raw), "|", 2)
	if len(fields) != 2 {
		return "", ErrBadPayload
	}
	subject := strings.TrimSpace(fields[0])
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || subject == "" {
		return "", ErrBadPayload
	}
	if a.now().After(time.Unix(ts, 0)) {
		return "", ErrExpired
	}
	return subject, nil
}

// Authorize verifies the request's "Authorization: Bearer" token.
func (a AdminToken) Authorize(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(tok) == "" {
		return "", ErrMissingToken
	}
	return a.Verify(strings.TrimSpace(tok))
}
