// pkg/workflow/workflow.go
//
// Package workflow implements the secrets-access request lifecycle:
// PENDING -> APPROVED | REJECTED | CANCELED. Postgres holds the request
// bookkeeping; Vault stays authoritative for control group approvals and
// for the wrapped secrets handed out on approval.
package workflow

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/policy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var (
	tracer   = otel.Tracer("vault-pam/pkg/workflow")
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails on an empty tag or a nil func.
	_ = v.RegisterValidation("request_status", func(fl validator.FieldLevel) bool {
		return models.RequestStatus(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("request_type", func(fl validator.FieldLevel) bool {
		return models.RequestType(fl.Field().String()).Valid()
	})
	return v
}

// Event names, shared with the socket frames.
const (
	EventCreated  = "request:created"
	EventUpdated  = "request:updated"
	EventApproved = "request:approved"
	EventRejected = "request:rejected"
	EventCanceled = "request:canceled"
)

// SystemEntityID is the responder recorded for automatic transitions.
const SystemEntityID = "system"

// Event is a state change the notifier fans out.
type Event struct {
	Name    string
	Request *models.Request
	Actor   string
	Comment string
}

// Notifier delivers events. It must not block for long and never fails
// the operation that raised the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Approvals decides whether an identity may approve or reject a request.
type Approvals interface {
	Allow(ctx context.Context, approver policy.Approver, req *models.Request) (bool, error)
}

// ServerVault yields the service's own Vault client.
type ServerVault interface {
	Client() *vault.Client
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    store.Store
	Vault    *vault.Factory
	Server   ServerVault
	Policy   Approvals
	Notifier Notifier
	Workflow config.WorkflowConfig
	WrapTTL  time.Duration
	Now      func() time.Time
}

// Service runs workflow operations.
type Service struct {
	store    store.Store
	vault    *vault.Factory
	server   ServerVault
	policy   Approvals
	notifier Notifier
	cfg      config.WorkflowConfig
	wrapTTL  time.Duration
	now      func() time.Time
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// New wires a Service.
func New(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.WrapTTL <= 0 {
		d.WrapTTL = 15 * time.Minute
	}
	if d.Workflow.RequiredApprovals < 1 {
		d.Workflow.RequiredApprovals = 1
	}
	return &Service{
		store:    d.Store,
		vault:    d.Vault,
		server:   d.Server,
		policy:   d.Policy,
		notifier: d.Notifier,
		cfg:      d.Workflow,
		wrapTTL:  d.WrapTTL,
		now:      d.Now,
	}
}

// IsApprover reports whether id holds one of the approver policies.
func (s *Service) IsApprover(id *vault.Identity) bool {
	return models.HasAnyPolicy(id.Policies, s.cfg.ApproverPolicies)
}

// ApproverPolicies are the configured approver policies.
func (s *Service) ApproverPolicies() []string {
	return append([]string(nil), s.cfg.ApproverPolicies...)
}

func (s *Service) emit(ctx context.Context, name string, req *models.Request, actor, comment string) {
	s.notifier.Notify(ctx, Event{Name: name, Request: req, Actor: actor, Comment: comment})
}

func transitioned(req *models.Request) {
	metrics.WorkflowTransitions.WithLabelValues(string(req.Type), string(req.Status)).Inc()
}

// storeErr maps store sentinels onto HTTP-classified errors.
func storeErr(err error, id uint) error {
	switch {
	case err == nil:
		return nil
	case cerr.Is(err, store.ErrNotFound):
		return pam_err.NewNotFoundError("request %d not found", id)
	case cerr.Is(err, store.ErrNotPending):
		return pam_err.NewConflictError("request has already been processed", err)
	case cerr.Is(err, store.ErrGone):
		return pam_err.NewGoneError("request has already been opened")
	default:
		return pam_err.WrapInternal(err, "request store failure")
	}
}

func (s *Service) load(ctx context.Context, id uint) (*models.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, id)
	}
	return req, nil
}

func logger(ctx context.Context) otelzap.LoggerWithCtx {
	return otelzap.Ctx(ctx)
}

func reqFields(req *models.Request) []zap.Field {
	return []zap.Field{
		zap.Uint("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.String("status", string(req.Status)),
		zap.String("path", req.Path),
	}
}
