// Package auth authenticates proxy clients.
//
// Credentials arrive either as an HTTP Proxy-Authorization header using the
// Basic scheme or as a SOCKS5 username/password sub-negotiation (RFC 1929).
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	txsocks5 "github.com/txthinking/socks5"
)

// Credentials is a username/password pair presented by a client.
type Credentials struct {
	Username string
	Password string
}

// Authenticator validates client credentials.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(username, password string) bool

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(username, password string) bool {
	return f(username, password)
}

// Static authenticates against a fixed username to password map.
type Static map[string]string

// Authenticate reports whether password matches the configured password for
// username. The comparison is constant-time in the password.
func (s Static) Authenticate(username, password string) bool {
	want, ok := s[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// ParseUsers parses "user:pass" entries into a Static authenticator.
func ParseUsers(entries []string) (Static, error) {
	s := make(Static, len(entries))
	for _, e := range entries {
		user, pass, ok := strings.Cut(e, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid credentials %q: expected user:pass", e)
		}
		s[user] = pass
	}
	return s, nil
}

// ErrMalformed reports an undecodable authorization header.
var ErrMalformed = errors.New("malformed proxy authorization")

// DecodeBasic decodes a "Basic base64(user:pass)" header value.
func DecodeBasic(header string) (Credentials, error) {
	scheme, payload, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return Credentials{}, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Credentials{}, ErrMalformed
	}
	return Credentials{Username: user, Password: pass}, nil
}

// EncodeBasic returns the Basic header value for c.
func EncodeBasic(c Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// FromUserPass extracts credentials from a SOCKS5 username/password request.
func FromUserPass(req *txsocks5.UserPassNegotiationRequest) Credentials {
	return Credentials{Username: string(req.Uname), Password: string(req.Passwd)}
}
