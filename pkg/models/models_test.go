package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusApproved.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, RequestStatus("OPEN").Valid())
	assert.False(t, RequestType("ADHOC").Valid())
}

func TestJSONMapScan(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"ttl":"1h","count":2}`)))
	assert.Equal(t, "1h", m["ttl"])
	assert.Equal(t, float64(2), m["count"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	assert.Error(t, m.Scan(42))
	assert.Error(t, m.Scan("{not json"))

	v, err := JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRequestOpenable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"pending", Request{Type: TypeStandard, Status: StatusPending, WrapToken: "s.x"}, false},
		{"approved with token", Request{Type: TypeStandard, Status: StatusApproved, WrapToken: "s.x", WrapExpiresAt: &future}, true},
		{"wrap expired", Request{Type: TypeStandard, Status: StatusApproved, WrapToken: "s.x", WrapExpiresAt: &past}, false},
		{"already opened", Request{Type: TypeStandard, Status: StatusApproved, OpenedAt: &past}, false},
		{"control group approved", Request{Type: TypeControlGroup, Status: StatusApproved}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Openable(now))
		})
	}
}

func TestHasAnyPolicy(t *testing.T) {
	u := User{Policies: []string{"default", "pam-approver"}}
	assert.True(t, u.HasAnyPolicy([]string{"pam-approver"}))
	assert.False(t, u.HasAnyPolicy([]string{"root"}))
	assert.False(t, HasAnyPolicy(nil, []string{"root"}))
}
