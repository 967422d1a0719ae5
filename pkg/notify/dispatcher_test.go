package notify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/mailer"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	rooms []string
	event string
}

type fakeEmitter struct {
	mu  sync.Mutex
	got []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, rooms []string, event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, emitted{rooms, event})
}

type fakeMailer struct {
	enabled bool
	full    bool
	queued  []mailer.Message
}

func (f *fakeMailer) Enabled() bool { return f.enabled }
func (f *fakeMailer) UIURL() string { return "https://pam.example.com" }
func (f *fakeMailer) Enqueue(_ context.Context, m mailer.Message) bool {
	if f.full {
		return false
	}
	f.queued = append(f.queued, m)
	return true
}

func seedUsers(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, u := range []models.User{
		{EntityID: "ent-req", Name: "req", Email: "req@example.com"},
		{EntityID: "ent-a1", Name: "a1", Email: "a1@example.com", Policies: []string{"pam-approver"}},
		{EntityID: "ent-a2", Name: "a2", Policies: []string{"pam-approver"}},
		{EntityID: "ent-a3", Name: "a3", Email: "a3@example.com", Policies: []string{"pam-approver"}},
	} {
		u := u
		_, err := st.UpsertUser(ctx, &u)
		require.NoError(t, err)
	}
	return st
}

func recipients(msgs []mailer.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, strings.Join(m.To, ","))
	}
	return out
}

func TestDispatchRoutes(t *testing.T) {
	req := &models.Request{ID: 4, RequesterEntityID: "ent-req", RequesterName: "req", Path: "secret/data/x", Type: models.TypeStandard}

	tests := []struct {
		event string
		want  []string
	}{
		{workflow.EventCreated, []string{"a1@example.com", "a3@example.com"}},
		{workflow.EventCanceled, []string{"a1@example.com", "a3@example.com"}},
		{workflow.EventApproved, []string{"req@example.com"}},
		{workflow.EventRejected, []string{"req@example.com"}},
		{workflow.EventUpdated, nil},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			em := &fakeEmitter{}
			ml := &fakeMailer{enabled: true}
			d := New(em, ml, seedUsers(t), []string{"pam-approver"})

			require.NoError(t, d.Dispatch(context.Background(), workflow.Event{Name: tt.event, Request: req, Actor: "a1"}))
			require.Len(t, em.got, 1)
			assert.Equal(t, []string{"entity:ent-req", "approvers"}, em.got[0].rooms)
			assert.Equal(t, tt.event, em.got[0].event)
			assert.Equal(t, tt.want, recipients(ml.queued))
		})
	}
}

func TestDispatchSkipsRequesterAmongApprovers(t *testing.T) {
	ml := &fakeMailer{enabled: true}
	d := New(nil, ml, seedUsers(t), []string{"pam-approver"})
	req := &models.Request{ID: 5, RequesterEntityID: "ent-a1", Path: "p", Type: models.TypeStandard}

	require.NoError(t, d.Dispatch(context.Background(), workflow.Event{Name: workflow.EventCreated, Request: req}))
	assert.Equal(t, []string{"a3@example.com"}, recipients(ml.queued))
	assert.Contains(t, ml.queued[0].Text, "https://pam.example.com/requests/5")
}

func TestDispatchCollectsDrops(t *testing.T) {
	ml := &fakeMailer{enabled: true, full: true}
	d := New(nil, ml, seedUsers(t), []string{"pam-approver"})
	req := &models.Request{ID: 6, RequesterEntityID: "ent-req", Path: "p", Type: models.TypeStandard}

	err := d.Dispatch(context.Background(), workflow.Event{Name: workflow.EventCreated, Request: req})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a1@example.com")
	assert.Contains(t, err.Error(), "a3@example.com")

	// Notify swallows the error
	d.Notify(context.Background(), workflow.Event{Name: workflow.EventCreated, Request: req})
}

func TestDispatchMailDisabledOrUnknownRequester(t *testing.T) {
	em := &fakeEmitter{}
	ml := &fakeMailer{}
	d := New(em, ml, seedUsers(t), []string{"pam-approver"})
	req := &models.Request{ID: 7, RequesterEntityID: "ent-req", Path: "p"}
	require.NoError(t, d.Dispatch(context.Background(), workflow.Event{Name: workflow.EventCreated, Request: req}))
	assert.Empty(t, ml.queued)
	assert.Len(t, em.got, 1)

	ml.enabled = true
	ghost := &models.Request{ID: 8, RequesterEntityID: "ent-ghost", Path: "p"}
	require.NoError(t, d.Dispatch(context.Background(), workflow.Event{Name: workflow.EventApproved, Request: ghost}))
	assert.Empty(t, ml.queued)
}
