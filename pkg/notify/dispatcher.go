// pkg/notify/dispatcher.go
//
// Package notify turns workflow events into socket frames and mail.
// Delivery is best effort: failures are logged and never reach the caller.
package notify

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/mailer"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Emitter pushes a frame to socket rooms.
type Emitter interface {
	Emit(ctx context.Context, rooms []string, event string, data any)
}

// Mailer queues mail.
type Mailer interface {
	Enabled() bool
	UIURL() string
	Enqueue(ctx context.Context, msg mailer.Message) bool
}

// Dispatcher implements workflow.Notifier.
type Dispatcher struct {
	emitter          Emitter
	mail             Mailer
	users            store.Store
	approverPolicies []string
}

var _ workflow.Notifier = (*Dispatcher)(nil)

// New builds a dispatcher. emitter and mail may be nil.
func New(emitter Emitter, mail Mailer, users store.Store, approverPolicies []string) *Dispatcher {
	return &Dispatcher{
		emitter:          emitter,
		mail:             mail,
		users:            users,
		approverPolicies: approverPolicies,
	}
}

// Notify fans ev out.
func (d *Dispatcher) Notify(ctx context.Context, ev workflow.Event) {
	if ev.Request == nil {
		return
	}
	if err := d.Dispatch(ctx, ev); err != nil {
		otelzap.Ctx(ctx).Warn("Some notifications were not delivered",
			zap.String("event", ev.Name),
			zap.Uint("request_id", ev.Request.ID),
			zap.Error(err))
	}
}

// Dispatch delivers ev and returns the collected per-recipient failures.
func (d *Dispatcher) Dispatch(ctx context.Context, ev workflow.Event) error {
	req := ev.Request
	if d.emitter != nil {
		d.emitter.Emit(ctx, Rooms(req), ev.Name, req)
	}
	if d.mail == nil || !d.mail.Enabled() {
		return nil
	}

	var (
		to   []string
		errs *multierror.Error
	)
	switch ev.Name {
	case workflow.EventCreated, workflow.EventCanceled:
		approvers, err := d.users.ListUsers(ctx, store.UserFilter{AnyPolicy: d.approverPolicies, WithEmail: true})
		if err != nil {
			return cerr.Wrap(err, "list approvers")
		}
		for _, u := range approvers {
			if u.EntityID != req.RequesterEntityID {
				to = append(to, u.Email)
			}
		}
	case workflow.EventApproved, workflow.EventRejected:
		u, err := d.users.GetUser(ctx, req.RequesterEntityID)
		switch {
		case cerr.Is(err, store.ErrNotFound):
			otelzap.Ctx(ctx).Debug("Requester has no user record, skipping mail", zap.String("entity_id", req.RequesterEntityID))
		case err != nil:
			return cerr.Wrap(err, "load requester")
		case u.Email != "":
			to = append(to, u.Email)
		}
	default:
		return nil
	}
	if len(to) == 0 {
		return nil
	}

	// One message per recipient so addresses are not disclosed to each other.
	for _, addr := range to {
		msg, err := mailer.Compose([]string{addr}, mailData(ev, d.mail.UIURL()))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !d.mail.Enqueue(ctx, msg) {
			errs = multierror.Append(errs, cerr.Newf("mail to %s dropped", addr))
		}
	}
	return errs.ErrorOrNil()
}

// Rooms are the socket rooms an event about req goes to.
func Rooms(req *models.Request) []string {
	return []string{shared.EntityRoom(req.RequesterEntityID), shared.ApproversRoom}
}

func mailData(ev workflow.Event, uiURL string) mailer.RequestMail {
	r := ev.Request
	return mailer.RequestMail{
		Event:         ev.Name,
		RequestID:     r.ID,
		Path:          r.Path,
		Type:          string(r.Type),
		Status:        string(r.Status),
		Requester:     r.RequesterName,
		Actor:         ev.Actor,
		Comment:       ev.Comment,
		Justification: r.Justification,
		Link:          mailer.RequestLink(uiURL, r.ID),
	}
}
