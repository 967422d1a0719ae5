// pkg/workflow/open.go

package workflow

import (
	"context"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"github.com/hashicorp/vault/api"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Opened is the unwrapped response of an approved request.
type Opened struct {
	Request *models.Request `json:"request"`
	Secret  *api.Secret     `json:"secret"`
}

// Open hands the requester the approved secret exactly once.
func (s *Service) Open(ctx context.Context, id *vault.Identity, reqID uint, wrapToken string) (*Opened, error) {
	ctx, span := tracer.Start(ctx, "workflow.Open")
	defer span.End()
	span.SetAttributes(attribute.Int("request.id", int(reqID)))

	req, err := s.load(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.RequesterEntityID != id.EntityID {
		return nil, pam_err.NewForbiddenError("only the requester can open a request", nil)
	}
	if req.Status != models.StatusApproved {
		return nil, pam_err.NewConflictError("request is "+strings.ToLower(string(req.Status))+", not approved", nil)
	}
	if req.OpenedAt != nil {
		return nil, pam_err.NewGoneError("request has already been opened")
	}

	var secret *api.Secret
	if req.Type == models.TypeControlGroup {
		secret, err = s.openControlGroup(ctx, id, req, wrapToken)
	} else {
		secret, err = s.openStandard(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	opened, err := s.store.MarkOpened(ctx, req.ID, s.now())
	if err != nil {
		return nil, storeErr(err, req.ID)
	}
	logger(ctx).Info("Approved request opened", append(reqFields(opened), zap.String("requester", id.EntityID))...)
	s.emit(ctx, EventUpdated, opened, id.Name, "")
	return &Opened{Request: opened, Secret: secret}, nil
}

func (s *Service) openStandard(ctx context.Context, req *models.Request) (*api.Secret, error) {
	if !req.Openable(s.now()) {
		return nil, pam_err.NewGoneError("the approved response has expired")
	}
	// Vault enforces single use of the wrapping token.
	secret, err := s.server.Client().Unwrap(ctx, req.WrapToken)
	if err != nil {
		return nil, goneOnInvalidWrap(err)
	}
	return secret, nil
}

func (s *Service) openControlGroup(ctx context.Context, id *vault.Identity, req *models.Request, wrapToken string) (*api.Secret, error) {
	wrapToken = strings.TrimSpace(wrapToken)
	if wrapToken == "" {
		return nil, pam_err.NewValidationError("wrap token is required to open a control group request")
	}
	st, err := s.server.Client().CheckControlGroup(ctx, req.Accessor)
	if err != nil {
		return nil, err
	}
	if !st.Approved {
		return nil, pam_err.NewConflictError("Vault has not approved the control group yet", nil)
	}
	client, err := s.vault.ForToken(id.Domain, id.Token)
	if err != nil {
		return nil, err
	}
	secret, err := client.Unwrap(ctx, wrapToken)
	if err != nil {
		return nil, goneOnInvalidWrap(err)
	}
	return secret, nil
}

// goneOnInvalidWrap maps Vault's "token is not valid" 400 onto 410.
func goneOnInvalidWrap(err error) error {
	if vault.IsStatus(err, http.StatusBadRequest) {
		return pam_err.NewGoneError("wrapping token is not valid or has already been used")
	}
	return err
}
