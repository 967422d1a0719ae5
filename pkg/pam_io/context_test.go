package pam_io

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))

	ctx := WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))

	rc := NewContext(ctx, "op")
	assert.Equal(t, "req-123", rc.RequestID)
	assert.Equal(t, "req-123", RequestID(rc.Ctx))
	assert.Equal(t, "op", rc.Operation)
	assert.NotNil(t, rc.Attributes)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/rest/requests", nil)
	r = r.WithContext(WithRequestID(r.Context(), "abc"))
	rc := FromRequest(r, "requests.list")
	assert.Equal(t, "abc", rc.RequestID)
	assert.Equal(t, "requests.list", rc.Operation)
}

func TestHandlePanic(t *testing.T) {
	run := func() (err error) {
		rc := NewContext(context.Background(), "panicky")
		defer rc.End(&err)
		defer rc.HandlePanic(&err)
		panic("boom")
	}
	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
}

func TestEnd(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"client error", pam_err.NewValidationError("bad input")},
		{"server error", errors.New("database down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewContext(context.Background(), tt.name)
			rc.Attributes["path"] = "secret/data/app"
			err := tt.err
			assert.NotPanics(t, func() { rc.End(&err) })
			assert.Equal(t, tt.err, err)
		})
	}
	rc := NewContext(context.Background(), "nil pointer")
	assert.NotPanics(t, func() { rc.End(nil) })
}
