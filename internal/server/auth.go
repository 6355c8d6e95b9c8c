// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apifuse/apifuse/internal/config"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// tenantHeader scopes a request to one tenant in none and token modes.
// In jwt mode the org_id claim is authoritative instead.
const tenantHeader = "X-Org-ID"

// TenantFromContext returns the request tenant, nil for admin scope.
func TenantFromContext(ctx context.Context) *string {
	tenant, _ := ctx.Value(tenantContextKey).(*string)
	return tenant
}

func withTenant(ctx context.Context, tenant *string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// extractBearerToken pulls the token out of the Authorization header.
// The prefix match is case-insensitive per RFC 6750.
func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(auth[7:])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// authMiddleware authenticates the request and resolves its tenant scope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	switch s.cfg.Auth.Mode {
	case config.AuthToken:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Auth.Token)) != 1 {
				WriteError(w, http.StatusUnauthorized, "invalid Bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), headerTenant(r))))
		})

	case config.AuthJWT:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			tenant, err := s.verifyJWT(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
		})

	default:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), headerTenant(r))))
		})
	}
}

// verifyJWT validates an HS256 token and extracts the org_id claim as
// the tenant. A token without the claim runs with admin scope.
func (s *Server) verifyJWT(tokenString string) (*string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if orgID, ok := claims["org_id"].(string); ok && orgID != "" {
		return &orgID, nil
	}
	return nil, nil
}

func headerTenant(r *http.Request) *string {
	if v := r.Header.Get(tenantHeader); v != "" {
		return &v
	}
	return nil
}
