/*
 *  Copyright 2025 Gravitational, Inc
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

// Package authn is the gateway's inbound authentication hook
// (AUTH_ENABLED): verification-only JWT middleware modeled on the
// teacher's jwtAuthTransport/installationAuthTransport pair, inverted —
// the teacher mints bearer tokens to call the GitHub API; this package
// verifies bearer tokens presented by callers of the gateway's own HTTP
// surface. Issuing or refreshing tokens is out of scope (spec non-goal).
package authn

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evanhourigan/telemetry-gateway/internal/apperrors"
)

type contextKey string

const subjectContextKey contextKey = "authn.subject"

// Verifier checks a bearer token and returns the claim set on success.
type Verifier struct {
	secretKey []byte
	algorithm string
}

// New builds a Verifier over the configured secret and signing algorithm.
// Only HMAC algorithms (HS256/HS384/HS512) are supported, matching the
// shared-secret JWT_SECRET_KEY config surface; asymmetric algorithms would
// need a JWKS source the spec does not describe.
func New(secretKey, algorithm string) *Verifier {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &Verifier{secretKey: []byte(secretKey), algorithm: algorithm}
}

// Claims is the minimal claim set the gateway trusts from a verified token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verify parses and validates tokenString, rejecting anything whose
// algorithm doesn't match the configured one (preventing an "alg: none"
// or algorithm-confusion downgrade) or whose registered claims have
// expired.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.algorithm {
			return nil, apperrors.NewAuthenticationError("unexpected signing algorithm")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindAuthentication, "invalid bearer token")
	}
	if !token.Valid {
		return nil, apperrors.NewAuthenticationError("invalid bearer token")
	}
	return claims, nil
}

// Middleware rejects requests lacking a valid "Authorization: Bearer <jwt>"
// header with 401, and otherwise stores the verified claims' subject on the
// request context for downstream handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := v.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the verified token subject stored on ctx by Middleware,
// or "" if the request was never authenticated (AUTH_ENABLED=false).
func Subject(ctx context.Context) string {
	subject, _ := ctx.Value(subjectContextKey).(string)
	return subject
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
