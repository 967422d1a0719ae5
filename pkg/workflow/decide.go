// pkg/workflow/decide.go

package workflow

import (
	"context"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/policy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxComment = 4096

func checkComment(c string) (string, error) {
	c = strings.TrimSpace(c)
	if len(c) > maxComment {
		return "", pam_err.NewValidationError("comment exceeds %d characters", maxComment)
	}
	return c, nil
}

// authorize enforces that id may decide on req.
func (s *Service) authorize(ctx context.Context, id *vault.Identity, req *models.Request) error {
	if id.EntityID == req.RequesterEntityID {
		return pam_err.NewForbiddenError("requesters cannot decide on their own request", nil)
	}
	ok, err := s.policy.Allow(ctx, policy.Approver{EntityID: id.EntityID, Name: id.Name, Policies: id.Policies}, req)
	if err != nil {
		return pam_err.WrapInternal(err, "approval policy evaluation failed")
	}
	if !ok {
		return pam_err.NewForbiddenError("not permitted to decide on this request", nil)
	}
	return nil
}

func pendingOrConflict(req *models.Request) error {
	if req.Status != models.StatusPending {
		return pam_err.NewConflictError("request has already been processed", store.ErrNotPending)
	}
	return nil
}

// Approve records id's approval. A STANDARD request is approved once it has
// enough approvals; the server then mints the wrapped response. A
// CONTROL_GROUP request is approved once Vault says so.
func (s *Service) Approve(ctx context.Context, id *vault.Identity, reqID uint, comment string) (*models.Request, error) {
	ctx, span := tracer.Start(ctx, "workflow.Approve")
	defer span.End()
	span.SetAttributes(attribute.Int("request.id", int(reqID)))

	comment, err := checkComment(comment)
	if err != nil {
		return nil, err
	}
	req, err := s.load(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if err := pendingOrConflict(req); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, id, req); err != nil {
		return nil, err
	}

	if req.Type == models.TypeControlGroup {
		return s.approveControlGroup(ctx, id, req, comment)
	}
	return s.approveStandard(ctx, id, req, comment)
}

func (s *Service) approveStandard(ctx context.Context, id *vault.Identity, req *models.Request, comment string) (*models.Request, error) {
	n, err := s.store.RecordApproval(ctx, &models.RequestResponse{
		RequestID:         req.ID,
		ResponderEntityID: id.EntityID,
		ResponderName:     id.Name,
		Comment:           comment,
	})
	if err != nil {
		return nil, storeErr(err, req.ID)
	}
	if n < int64(s.cfg.RequiredApprovals) {
		updated, err := s.load(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		logger(ctx).Info("Approval recorded, more required",
			append(reqFields(updated), zap.Int64("approvals", n), zap.Int("required", s.cfg.RequiredApprovals))...)
		s.emit(ctx, EventUpdated, updated, id.Name, comment)
		return updated, nil
	}

	var data map[string]any
	if len(req.Data) > 0 {
		data = req.Data
	}
	wrap, err := s.server.Client().WrapRequest(ctx, req.Path, data, s.wrapTTL)
	if err != nil {
		// The approval stays recorded; another approve retries the mint.
		return nil, err
	}
	expires := wrap.ExpiresAt
	approved, err := s.store.Transition(ctx, req.ID, store.Transition{
		To:               models.StatusApproved,
		ApproverEntityID: id.EntityID,
		ApproverName:     id.Name,
		WrapToken:        wrap.Token,
		WrapExpiresAt:    &expires,
		Response: &models.RequestResponse{
			ResponderEntityID: id.EntityID,
			ResponderName:     id.Name,
			Status:            models.ResponseApproved,
			Comment:           comment,
		},
	})
	if err != nil {
		if cerr.Is(err, store.ErrNotPending) {
			// A concurrent approval won; the token minted here expires unused.
			logger(ctx).Warn("Request approved concurrently, discarding minted wrap token",
				zap.Uint("request_id", req.ID), zap.String("wrap_accessor", wrap.Accessor))
		}
		return nil, storeErr(err, req.ID)
	}
	transitioned(approved)
	logger(ctx).Info("Access request approved", append(reqFields(approved), zap.String("approver", id.EntityID))...)
	s.emit(ctx, EventApproved, approved, id.Name, comment)
	return approved, nil
}

func (s *Service) approveControlGroup(ctx context.Context, id *vault.Identity, req *models.Request, comment string) (*models.Request, error) {
	client, err := s.vault.ForToken(id.Domain, id.Token)
	if err != nil {
		return nil, err
	}
	done, err := client.AuthorizeControlGroup(ctx, req.Accessor)
	if err != nil {
		return nil, err
	}

	if !done {
		if _, err := s.store.RecordApproval(ctx, &models.RequestResponse{
			RequestID:         req.ID,
			ResponderEntityID: id.EntityID,
			ResponderName:     id.Name,
			Comment:           comment,
		}); err != nil {
			return nil, storeErr(err, req.ID)
		}
		updated, err := s.load(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		logger(ctx).Info("Control group authorized, Vault requires more approvals", reqFields(updated)...)
		s.emit(ctx, EventUpdated, updated, id.Name, comment)
		return updated, nil
	}

	approved, err := s.store.Transition(ctx, req.ID, store.Transition{
		To:               models.StatusApproved,
		ApproverEntityID: id.EntityID,
		ApproverName:     id.Name,
		Response: &models.RequestResponse{
			ResponderEntityID: id.EntityID,
			ResponderName:     id.Name,
			Status:            models.ResponseApproved,
			Comment:           comment,
		},
	})
	if err != nil {
		return nil, storeErr(err, req.ID)
	}
	transitioned(approved)
	logger(ctx).Info("Control group request approved", append(reqFields(approved), zap.String("approver", id.EntityID))...)
	s.emit(ctx, EventApproved, approved, id.Name, comment)
	return approved, nil
}

// Reject closes a PENDING request. Vault has no reject for control groups;
// the rejection is local.
func (s *Service) Reject(ctx context.Context, id *vault.Identity, reqID uint, comment string) (*models.Request, error) {
	ctx, span := tracer.Start(ctx, "workflow.Reject")
	defer span.End()
	span.SetAttributes(attribute.Int("request.id", int(reqID)))

	comment, err := checkComment(comment)
	if err != nil {
		return nil, err
	}
	req, err := s.load(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if err := pendingOrConflict(req); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, id, req); err != nil {
		return nil, err
	}

	rejected, err := s.store.Transition(ctx, reqID, store.Transition{
		To:               models.StatusRejected,
		ApproverEntityID: id.EntityID,
		ApproverName:     id.Name,
		Response: &models.RequestResponse{
			ResponderEntityID: id.EntityID,
			ResponderName:     id.Name,
			Status:            models.ResponseRejected,
			Comment:           comment,
		},
	})
	if err != nil {
		return nil, storeErr(err, reqID)
	}
	transitioned(rejected)
	logger(ctx).Info("Access request rejected", append(reqFields(rejected), zap.String("approver", id.EntityID))...)
	s.emit(ctx, EventRejected, rejected, id.Name, comment)
	return rejected, nil
}

// Cancel withdraws the requester's own PENDING request.
func (s *Service) Cancel(ctx context.Context, id *vault.Identity, reqID uint) (*models.Request, error) {
	ctx, span := tracer.Start(ctx, "workflow.Cancel")
	defer span.End()
	span.SetAttributes(attribute.Int("request.id", int(reqID)))

	req, err := s.load(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.RequesterEntityID != id.EntityID {
		return nil, pam_err.NewForbiddenError("only the requester can cancel a request", nil)
	}
	if err := pendingOrConflict(req); err != nil {
		return nil, err
	}
	return s.cancel(ctx, req, id.EntityID, id.Name, "")
}

func (s *Service) cancel(ctx context.Context, req *models.Request, actorID, actorName, comment string) (*models.Request, error) {
	canceled, err := s.store.Transition(ctx, req.ID, store.Transition{
		To: models.StatusCanceled,
		Response: &models.RequestResponse{
			ResponderEntityID: actorID,
			ResponderName:     actorName,
			Status:            models.ResponseCanceled,
			Comment:           comment,
		},
	})
	if err != nil {
		return nil, storeErr(err, req.ID)
	}
	transitioned(canceled)

	if canceled.Type == models.TypeControlGroup && canceled.Accessor != "" {
		if err := s.server.Client().RevokeAccessor(ctx, canceled.Accessor); err != nil {
			logger(ctx).Warn("Failed to revoke control group accessor", zap.Uint("request_id", canceled.ID), zap.Error(err))
		}
	}
	logger(ctx).Info("Access request canceled", append(reqFields(canceled), zap.String("by", actorID), zap.String("comment", comment))...)
	s.emit(ctx, EventCanceled, canceled, actorName, comment)
	return canceled, nil
}
