// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/orbit-foundation/orbit/relay"
)

// ErrUnauthorized is returned by authenticators for missing or invalid
// credentials. The handler maps it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated result of one connection attempt: the
// user whose hub the socket joins, the socket's role, and the peer's
// self-chosen stable id (empty lets the hub generate one).
type Identity struct {
	UserID string
	Role   relay.Role
	PeerID string
}

// Authenticator validates an incoming WebSocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// StaticTokenAuthenticator authenticates against a fixed bearer-token
// to user-id table. It reads the token from the Authorization header
// or, for browser WebSocket clients that cannot set headers, the token
// query parameter. Role and peer id come from query parameters.
type StaticTokenAuthenticator struct {
	tokens map[string]string
}

// NewStaticTokenAuthenticator builds an authenticator over a token →
// user-id map.
func NewStaticTokenAuthenticator(tokens map[string]string) *StaticTokenAuthenticator {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		copied[token] = userID
	}
	return &StaticTokenAuthenticator{tokens: copied}
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, fmt.Errorf("no token presented: %w", ErrUnauthorized)
	}
	userID, ok := a.tokens[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}

	query := r.URL.Query()
	identity := Identity{UserID: userID}
	switch role := query.Get("role"); role {
	case "", string(relay.RoleClient):
		identity.Role = relay.RoleClient
		identity.PeerID = query.Get("clientId")
	case string(relay.RoleAnchor):
		identity.Role = relay.RoleAnchor
		identity.PeerID = query.Get("anchorId")
	default:
		return Identity{}, fmt.Errorf("unknown role %q: %w", role, ErrUnauthorized)
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
