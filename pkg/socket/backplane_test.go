// pkg/socket/backplane_test.go

package socket

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifyPayload captures the second pg_notify argument.
type notifyPayload struct{ got *string }

func (n notifyPayload) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*n.got = s
	}
	return ok
}

func newMockBackplane(t *testing.T) (*PostgresBackplane, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := pam_postgres.Gorm(sqlDB)
	require.NoError(t, err)
	return NewPostgresBackplane(db, "", "vault_pam_socket"), mock
}

func encodeEnvelope(t *testing.T, event string, data any) []byte {
	t.Helper()
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	require.NoError(t, err)
	payload, err := json.Marshal(envelope{Origin: "hub-a", Rooms: []string{"approvers", "entity:e1"}, Frame: frame})
	require.NoError(t, err)
	return payload
}

func TestPostgresBackplanePublish(t *testing.T) {
	req := func(dataSize int) *models.Request {
		return &models.Request{
			ID:                42,
			RequesterEntityID: "e1",
			RequesterName:     "erin",
			Path:              "secret/data/db",
			Type:              models.TypeStandard,
			Status:            models.StatusApproved,
			ApproverEntityID:  "a1",
			Justification:     strings.Repeat("j", dataSize),
			Data:              models.JSONMap{"blob": strings.Repeat("x", dataSize)},
		}
	}

	tests := []struct {
		name          string
		payload       []byte
		wantTruncated bool
		wantErr       string
	}{
		{name: "small frame passes through", payload: encodeEnvelope(t, workflow.EventApproved, req(100))},
		{name: "large frame is compacted", payload: encodeEnvelope(t, workflow.EventApproved, req(6000)), wantTruncated: true},
		{name: "non-object data keeps the event", payload: encodeEnvelope(t, workflow.EventUpdated, strings.Repeat("y", 9000)), wantTruncated: true},
		{name: "oversized room list fails", payload: func() []byte {
			frame, _ := json.Marshal(Frame{Event: workflow.EventCreated, Data: strings.Repeat("z", 9000)})
			rooms := make([]string, 2000)
			for i := range rooms {
				rooms[i] = "entity:someone"
			}
			p, _ := json.Marshal(envelope{Origin: "hub-a", Rooms: rooms, Frame: frame})
			return p
		}(), wantErr: "over the NOTIFY limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp, mock := newMockBackplane(t)
			var sent string
			if tt.wantErr == "" {
				mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
					WithArgs("vault_pam_socket", notifyPayload{got: &sent}).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := bp.Publish(context.Background(), tt.payload)
			assert.NoError(t, mock.ExpectationsWereMet())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.LessOrEqual(t, len(sent), maxNotifyPayload)

			var env envelope
			require.NoError(t, json.Unmarshal([]byte(sent), &env))
			assert.Equal(t, "hub-a", env.Origin)
			assert.Equal(t, []string{"approvers", "entity:e1"}, env.Rooms)

			var frame struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			if !tt.wantTruncated {
				assert.Equal(t, string(tt.payload), sent)
				return
			}
			require.NoError(t, json.Unmarshal(env.Frame, &frame))
			assert.NotEmpty(t, frame.Event)
			assert.Equal(t, true, frame.Data["truncated"])
			assert.NotContains(t, frame.Data, "data")
			assert.NotContains(t, frame.Data, "justification")
			if frame.Event == workflow.EventApproved {
				assert.EqualValues(t, 42, frame.Data["id"])
				assert.Equal(t, "APPROVED", frame.Data["status"])
				assert.Equal(t, "secret/data/db", frame.Data["path"])
				assert.Equal(t, "a1", frame.Data["approverEntityId"])
			}
		})
	}
}
