package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsStatusCode(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindGatewayTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindValidation, "bad subject")
	assert.Equal(t, "validation: bad subject", err.Error())

	err.WithDetails("subject exceeds 255 bytes")
	assert.Equal(t, "validation: bad subject (subject exceeds 255 bytes)", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindUnavailable, "database down")

	require.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestIsKind(t *testing.T) {
	err := NewNotFoundError("approval")
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(errors.New("plain"), KindNotFound))
}

func TestStatusCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("plain")))
}
