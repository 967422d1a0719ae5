// pkg/workflow/reconcile.go

package workflow

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ExpiredComment marks requests canceled by the reconciler.
const ExpiredComment = "expired"

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Expired   int
	Refreshed int
	Approved  int
}

// Reconcile expires stale PENDING requests and refreshes pending control
// groups from Vault.
func (s *Service) Reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Reconcile")
	defer span.End()

	var (
		res  ReconcileResult
		errs *multierror.Error
	)

	if s.cfg.RequestTTL > 0 {
		stale, err := s.store.ListRequests(ctx, store.RequestFilter{
			Status:        models.StatusPending,
			CreatedBefore: now.Add(-s.cfg.RequestTTL),
		})
		if err != nil {
			return res, cerr.Wrap(err, "list stale requests")
		}
		for i := range stale {
			_, err := s.cancel(ctx, &stale[i], SystemEntityID, shared.ServiceName, ExpiredComment)
			switch {
			case err == nil:
				res.Expired++
			case cerr.Is(err, store.ErrNotPending):
				// decided or expired elsewhere in the meantime
			default:
				errs = multierror.Append(errs, cerr.Wrapf(err, "expire request %d", stale[i].ID))
			}
		}
	}

	pending, err := s.store.ListRequests(ctx, store.RequestFilter{
		Status: models.StatusPending,
		Type:   models.TypeControlGroup,
	})
	if err != nil {
		errs = multierror.Append(errs, cerr.Wrap(err, "list pending control groups"))
		return res, errs.ErrorOrNil()
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		updated := s.refresh(ctx, &pending[i])
		res.Refreshed++
		if updated.Status == models.StatusApproved {
			res.Approved++
		}
	}
	return res, errs.ErrorOrNil()
}

// Run reconciles every workflow.reconcile_interval until ctx ends. A zero
// interval disables the loop.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.ReconcileInterval <= 0 {
		logger(ctx).Info("Request reconciler disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	logger(ctx).Info("Request reconciler started",
		zap.Duration("interval", s.cfg.ReconcileInterval),
		zap.Duration("request_ttl", s.cfg.RequestTTL))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Reconcile(ctx, s.now())
			if err != nil {
				logger(ctx).Error("Reconcile pass failed", zap.Error(err))
			}
			if res.Expired > 0 || res.Approved > 0 {
				logger(ctx).Info("Reconcile pass changed requests",
					zap.Int("expired", res.Expired),
					zap.Int("approved", res.Approved),
					zap.Int("refreshed", res.Refreshed))
			}
		}
	}
}
