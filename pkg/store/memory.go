// pkg/store/memory.go

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// development runs without Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[uint]*models.Request
	responses map[uint][]models.RequestResponse
	users     map[string]*models.User
	nextReq   uint
	nextResp  uint
	nextUser  uint
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[uint]*models.Request),
		responses: make(map[uint][]models.RequestResponse),
		users:     make(map[string]*models.User),
		now:       time.Now,
	}
}

// SetClock replaces the timestamp source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) FindOrCreateRequest(_ context.Context, req *models.Request) (*models.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []uint
	for id, r := range s.requests {
		if r.RequesterEntityID == req.RequesterEntityID && r.Path == req.Path && r.Status == models.StatusPending {
			open = append(open, id)
		}
	}
	if len(open) > 0 {
		sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
		return s.snapshot(open[0]), false, nil
	}

	now := s.now()
	s.nextReq++
	stored := *req
	stored.ID = s.nextReq
	stored.Status = models.StatusPending
	stored.CreatedAt, stored.UpdatedAt = now, now
	stored.Responses = nil
	s.requests[stored.ID] = &stored
	req.ID = stored.ID

	s.putResponse(&models.RequestResponse{
		RequestID:         stored.ID,
		ResponderEntityID: stored.RequesterEntityID,
		ResponderName:     stored.RequesterName,
		Status:            models.ResponseRequested,
	})
	return s.snapshot(stored.ID), true, nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id uint) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return nil, ErrNotFound
	}
	return s.snapshot(id), nil
}

func (s *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Request
	for id, r := range s.requests {
		if f.RequesterEntityID != "" && r.RequesterEntityID != f.RequesterEntityID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, *s.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordApproval(_ context.Context, resp *models.RequestResponse) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[resp.RequestID]
	if !ok {
		return 0, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return 0, ErrNotPending
	}
	resp.Status = models.ResponseApproved
	s.putResponse(resp)

	var n int64
	for _, rr := range s.responses[resp.RequestID] {
		if rr.Status == models.ResponseApproved {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uint, t Transition) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, ErrNotPending
	}
	r.Status = t.To
	r.UpdatedAt = s.now()
	if t.ApproverEntityID != "" {
		r.ApproverEntityID = t.ApproverEntityID
		r.ApproverName = t.ApproverName
	}
	if t.WrapToken != "" {
		r.WrapToken = t.WrapToken
		r.WrapExpiresAt = t.WrapExpiresAt
	}
	if t.Response != nil {
		t.Response.RequestID = id
		s.putResponse(t.Response)
	}
	return s.snapshot(id), nil
}

func (s *MemoryStore) MarkOpened(_ context.Context, id uint, at time.Time) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusApproved || r.OpenedAt != nil {
		return nil, ErrGone
	}
	r.OpenedAt = &at
	r.WrapToken = ""
	r.UpdatedAt = s.now()
	return s.snapshot(id), nil
}

// putResponse upserts on (request_id, responder_entity_id). Caller holds mu.
func (s *MemoryStore) putResponse(resp *models.RequestResponse) {
	now := s.now()
	list := s.responses[resp.RequestID]
	for i := range list {
		if list[i].ResponderEntityID == resp.ResponderEntityID {
			list[i].ResponderName = resp.ResponderName
			list[i].Status = resp.Status
			list[i].Comment = resp.Comment
			list[i].UpdatedAt = now
			resp.ID = list[i].ID
			return
		}
	}
	s.nextResp++
	resp.ID = s.nextResp
	resp.CreatedAt, resp.UpdatedAt = now, now
	s.responses[resp.RequestID] = append(list, *resp)
}

// snapshot copies a request with its responses. Caller holds mu.
func (s *MemoryStore) snapshot(id uint) *models.Request {
	r := *s.requests[id]
	r.Responses = append([]models.RequestResponse(nil), s.responses[id]...)
	if r.Data != nil {
		data := make(models.JSONMap, len(r.Data))
		for k, v := range r.Data {
			data[k] = v
		}
		r.Data = data
	}
	return &r
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.users[u.EntityID]; ok {
		existing.Name = u.Name
		existing.Policies = append([]string(nil), u.Policies...)
		if u.Groups != nil {
			existing.Groups = append([]string(nil), u.Groups...)
		}
		if u.LastLoginAt != nil {
			existing.LastLoginAt = u.LastLoginAt
		}
		if u.Email != "" {
			existing.Email = u.Email
		}
		existing.UpdatedAt = now
		out := *existing
		return &out, nil
	}
	s.nextUser++
	stored := *u
	stored.ID = s.nextUser
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.users[u.EntityID] = &stored
	out := stored
	return &out, nil
}

func (s *MemoryStore) RecordUserLogin(_ context.Context, u *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if u.LastLoginAt == nil {
		u.LastLoginAt = &now
	}
	existing, ok := s.users[u.EntityID]
	if !ok {
		s.nextUser++
		stored := *u
		stored.ID = s.nextUser
		stored.Policies = append([]string(nil), u.Policies...)
		stored.CreatedAt, stored.UpdatedAt = now, now
		s.users[u.EntityID] = &stored
		out := stored
		return &out, nil
	}
	existing.Name = u.Name
	existing.LastLoginAt = u.LastLoginAt
	if u.Email != "" {
		existing.Email = u.Email
	}
	for _, p := range u.Policies {
		if !slices.Contains(existing.Policies, p) {
			existing.Policies = append(existing.Policies, p)
		}
	}
	existing.UpdatedAt = now
	out := *existing
	return &out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, entityID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, f UserFilter) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.User
	for _, u := range s.users {
		if len(f.AnyPolicy) > 0 && !u.HasAnyPolicy(f.AnyPolicy) {
			continue
		}
		if f.WithEmail && u.Email == "" {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateUserEmail(_ context.Context, entityID, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	u.Email = email
	u.UpdatedAt = s.now()
	out := *u
	return &out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
