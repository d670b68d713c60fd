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

package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, alg, subject string, expiry time.Time) string {
	t.Helper()
	method := jwt.GetSigningMethod(alg)
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	ss, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return ss
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := New("a-very-long-testing-secret-key-value", "HS256")
	tok := signToken(t, "a-very-long-testing-secret-key-value", "HS256", "user-1", time.Now().Add(time.Hour))

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := New("a-very-long-testing-secret-key-value", "HS256")
	tok := signToken(t, "a-very-long-testing-secret-key-value", "HS256", "user-1", time.Now().Add(-time.Hour))

	_, err := v.Verify(tok)
	require.Error(t, err)
}

func TestVerifyRejectsAlgorithmMismatch(t *testing.T) {
	v := New("a-very-long-testing-secret-key-value", "HS256")
	tok := signToken(t, "a-very-long-testing-secret-key-value", "HS384", "user-1", time.Now().Add(time.Hour))

	_, err := v.Verify(tok)
	require.Error(t, err)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := New("a-very-long-testing-secret-key-value", "HS256")
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestMiddlewarePassesSubjectThrough(t *testing.T) {
	v := New("a-very-long-testing-secret-key-value", "HS256")
	tok := signToken(t, "a-very-long-testing-secret-key-value", "HS256", "user-7", time.Now().Add(time.Hour))

	var seen string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, "user-7", seen)
}
