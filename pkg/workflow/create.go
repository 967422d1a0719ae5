// pkg/workflow/create.go

package workflow

import (
	"context"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StandardInput is a request for access through the local workflow.
type StandardInput struct {
	Path          string         `json:"path" validate:"required,max=1024"`
	EngineType    string         `json:"engineType" validate:"max=64"`
	Data          map[string]any `json:"data"`
	Justification string         `json:"justification" validate:"max=4096"`
}

// ControlGroupInput registers a Vault control group the requester hit.
type ControlGroupInput struct {
	Path          string `json:"path" validate:"required,max=1024"`
	Accessor      string `json:"accessor" validate:"required,max=255"`
	EngineType    string `json:"engineType" validate:"max=64"`
	Justification string `json:"justification" validate:"max=4096"`
}

func validationErr(err error) error {
	return pam_err.NewValidationError("invalid request: %v", err)
}

// CreateStandard opens a STANDARD request, or returns the requester's open
// request for the same path. created is false in the latter case.
func (s *Service) CreateStandard(ctx context.Context, id *vault.Identity, in StandardInput) (req *models.Request, created bool, err error) {
	ctx, span := tracer.Start(ctx, "workflow.CreateStandard")
	defer span.End()

	in.Path = strings.Trim(strings.TrimSpace(in.Path), "/")
	if err := validate.Struct(in); err != nil {
		return nil, false, validationErr(err)
	}
	span.SetAttributes(attribute.String("vault.path", in.Path))

	return s.create(ctx, id, &models.Request{
		RequesterEntityID: id.EntityID,
		RequesterName:     id.Name,
		Path:              in.Path,
		Data:              models.JSONMap(in.Data),
		Type:              models.TypeStandard,
		EngineType:        in.EngineType,
		Justification:     in.Justification,
	})
}

// CreateControlGroup records a control group request. The accessor must
// belong to a control group Vault opened for this requester.
func (s *Service) CreateControlGroup(ctx context.Context, id *vault.Identity, in ControlGroupInput) (*models.Request, bool, error) {
	ctx, span := tracer.Start(ctx, "workflow.CreateControlGroup")
	defer span.End()

	in.Path = strings.Trim(strings.TrimSpace(in.Path), "/")
	in.Accessor = strings.TrimSpace(in.Accessor)
	if err := validate.Struct(in); err != nil {
		return nil, false, validationErr(err)
	}

	st, err := s.server.Client().CheckControlGroup(ctx, in.Accessor)
	if err != nil {
		return nil, false, err
	}
	if st.RequestEntityID != "" && st.RequestEntityID != id.EntityID {
		return nil, false, pam_err.NewForbiddenError("control group belongs to another entity", nil)
	}

	return s.create(ctx, id, &models.Request{
		RequesterEntityID: id.EntityID,
		RequesterName:     id.Name,
		Path:              in.Path,
		Type:              models.TypeControlGroup,
		EngineType:        in.EngineType,
		Justification:     in.Justification,
		Accessor:          in.Accessor,
	})
}

func (s *Service) create(ctx context.Context, id *vault.Identity, r *models.Request) (*models.Request, bool, error) {
	req, created, err := s.store.FindOrCreateRequest(ctx, r)
	if err != nil {
		return nil, false, storeErr(err, 0)
	}
	if !created {
		logger(ctx).Info("Open request already exists", reqFields(req)...)
		return req, false, nil
	}
	transitioned(req)
	logger(ctx).Info("Access request created", append(reqFields(req), zap.String("requester", id.EntityID))...)
	s.emit(ctx, EventCreated, req, id.Name, req.Justification)
	return req, true, nil
}
