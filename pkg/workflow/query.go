// pkg/workflow/query.go

package workflow

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// List scopes.
const (
	ScopeMine      = "mine"
	ScopeApprovals = "approvals"
)

// ListInput selects requests.
type ListInput struct {
	Scope  string `validate:"omitempty,oneof=mine approvals"`
	Status string `validate:"omitempty,request_status"`
	Type   string `validate:"omitempty,request_type"`
	Limit  int    `validate:"gte=0,lte=1000"`
}

// Get returns a request visible to id. A pending control group request is
// refreshed from Vault first.
func (s *Service) Get(ctx context.Context, id *vault.Identity, reqID uint) (*models.Request, error) {
	ctx, span := tracer.Start(ctx, "workflow.Get")
	defer span.End()

	req, err := s.load(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.RequesterEntityID != id.EntityID && !s.IsApprover(id) {
		return nil, pam_err.NewForbiddenError("not permitted to view this request", nil)
	}
	if req.Type == models.TypeControlGroup && req.Status == models.StatusPending {
		return s.refresh(ctx, req), nil
	}
	return req, nil
}

// List returns the requester's own requests, or every request for approvers.
func (s *Service) List(ctx context.Context, id *vault.Identity, in ListInput) ([]models.Request, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationErr(err)
	}
	if in.Limit == 0 {
		in.Limit = 500
	}
	f := store.RequestFilter{
		Status: models.RequestStatus(in.Status),
		Type:   models.RequestType(in.Type),
		Limit:  in.Limit,
	}
	switch in.Scope {
	case ScopeApprovals:
		if !s.IsApprover(id) {
			return nil, pam_err.NewForbiddenError("approver policy required", nil)
		}
	default:
		f.RequesterEntityID = id.EntityID
	}
	reqs, err := s.store.ListRequests(ctx, f)
	if err != nil {
		return nil, storeErr(err, 0)
	}
	if reqs == nil {
		reqs = []models.Request{}
	}
	return reqs, nil
}

// refresh pulls control group state from Vault and applies approvals found
// there. Failures leave req as it was.
func (s *Service) refresh(ctx context.Context, req *models.Request) *models.Request {
	st, err := s.server.Client().CheckControlGroup(ctx, req.Accessor)
	if err != nil {
		logger(ctx).Warn("Control group refresh failed", zap.Uint("request_id", req.ID), zap.Error(err))
		return req
	}

	known := map[string]bool{}
	for _, r := range req.Responses {
		if r.Status == models.ResponseApproved {
			known[r.ResponderEntityID] = true
		}
	}
	var last vault.ControlGroupAuthorization
	for _, a := range st.Authorizations {
		last = a
		if known[a.EntityID] {
			continue
		}
		if _, err := s.store.RecordApproval(ctx, &models.RequestResponse{
			RequestID:         req.ID,
			ResponderEntityID: a.EntityID,
			ResponderName:     a.EntityName,
		}); err != nil {
			logger(ctx).Warn("Failed to record control group authorization", zap.Uint("request_id", req.ID), zap.Error(err))
		}
	}

	if !st.Approved {
		if updated, err := s.store.GetRequest(ctx, req.ID); err == nil {
			return updated
		}
		return req
	}

	approved, err := s.store.Transition(ctx, req.ID, store.Transition{
		To:               models.StatusApproved,
		ApproverEntityID: last.EntityID,
		ApproverName:     last.EntityName,
		Response: &models.RequestResponse{
			ResponderEntityID: last.EntityID,
			ResponderName:     last.EntityName,
			Status:            models.ResponseApproved,
			Comment:           "approved in Vault",
		},
	})
	if err != nil {
		if !cerr.Is(err, store.ErrNotPending) {
			logger(ctx).Warn("Failed to apply control group approval", zap.Uint("request_id", req.ID), zap.Error(err))
		}
		if current, gerr := s.store.GetRequest(ctx, req.ID); gerr == nil {
			return current
		}
		return req
	}
	transitioned(approved)
	logger(ctx).Info("Control group approval discovered in Vault", reqFields(approved)...)
	s.emit(ctx, EventApproved, approved, last.EntityName, "")
	return approved
}
