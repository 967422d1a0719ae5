package pam_err

import (
	"context"
	"errors"
	"net/http"
	"testing"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	t.Parallel()
	vaultErr := &api.ResponseError{StatusCode: http.StatusForbidden, Errors: []string{"permission denied"}}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", NewValidationError("path is required"), http.StatusBadRequest},
		{"unauthorized", NewUnauthorizedError("missing token"), http.StatusUnauthorized},
		{"forbidden", NewForbiddenError("not an approver", nil), http.StatusForbidden},
		{"not found", NewNotFoundError("request %d not found", 7), http.StatusNotFound},
		{"conflict", NewConflictError("request is not pending", nil), http.StatusConflict},
		{"gone", NewGoneError("already opened"), http.StatusGone},
		{"rate limited", NewRateLimitedError(), http.StatusTooManyRequests},
		{"upstream", NewUpstreamError("vault unreachable", errors.New("dial tcp")), http.StatusBadGateway},
		{"vault relayed", cerr.Wrap(vaultErr, "read secret"), http.StatusForbidden},
		{"deadline", cerr.Wrap(context.DeadlineExceeded, "vault"), http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	vaultErr := &api.ResponseError{StatusCode: http.StatusBadRequest, Errors: []string{"no handler for route", "second"}}
	assert.Equal(t, []string{"no handler for route", "second"}, Messages(cerr.Wrap(vaultErr, "list")))
	assert.Equal(t, []string{"no handler for route", "second"}, Messages(NewUpstreamError("vault", vaultErr)))

	assert.Equal(t, []string{"path is required"}, Messages(NewValidationError("path is required")))
	assert.Equal(t, []string{"Internal Server Error"}, Messages(errors.New("pq: password authentication failed")))
	assert.Equal(t, []string{"Internal Server Error"}, Messages(WrapInternal(errors.New("secret detail"), "store failed")))
	assert.Nil(t, Messages(nil))
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("request not found")

	assert.True(t, IsClientError(NewNotFoundError("request %d not found", 4)))
	assert.True(t, IsClientError(NewConflictError("already processed", sentinel)))
	assert.False(t, IsClientError(WrapInternal(sentinel, "x")))
	assert.False(t, IsClientError(NewUpstreamError("vault", sentinel)))
}
