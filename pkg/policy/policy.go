// pkg/policy/policy.go
//
// Package policy decides who may approve or reject a request. The decision
// is the rego rule data.pam.approval.allow, either the embedded default or
// a module loaded from workflow.approval_policy_file.
package policy

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"sync"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/telemetry"
	cerr "github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Query is the rule every approval module must define.
const Query = "data.pam.approval.allow"

//go:embed default.rego
var defaultModule string

// Approver is the identity asking to approve or reject.
type Approver struct {
	EntityID string
	Name     string
	Policies []string
}

// Engine holds the prepared approval query.
type Engine struct {
	approverPolicies []string
	file             string

	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	source string
}

// New prepares the approval policy named by cfg.
func New(ctx context.Context, cfg config.WorkflowConfig) (*Engine, error) {
	e := &Engine{
		approverPolicies: append([]string(nil), cfg.ApproverPolicies...),
		file:             cfg.ApprovalPolicyFile,
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles the policy. A module that fails to read or compile
// leaves the previous one in force.
func (e *Engine) Reload(ctx context.Context) error {
	name, src := "default.rego", defaultModule
	if e.file != "" {
		b, err := os.ReadFile(e.file)
		if err != nil {
			return cerr.Wrapf(err, "read approval policy %s", e.file)
		}
		name, src = e.file, string(b)
	}

	pq, err := rego.New(
		rego.Query(Query),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return cerr.Wrapf(err, "compile approval policy %s", name)
	}

	e.mu.Lock()
	e.query, e.source = pq, name
	e.mu.Unlock()
	otelzap.Ctx(ctx).Debug("Approval policy loaded", zap.String("module", name))
	return nil
}

// Watch reloads the policy file whenever it changes, until ctx ends. With
// the embedded policy there is nothing to watch and Watch just waits.
func (e *Engine) Watch(ctx context.Context) error {
	if e.file == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return cerr.Wrap(err, "policy watcher")
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: editors and config management replace the file
	// rather than writing it in place.
	if err := w.Add(filepath.Dir(e.file)); err != nil {
		return cerr.Wrapf(err, "watch %s", filepath.Dir(e.file))
	}
	target := filepath.Clean(e.file)
	log := otelzap.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := e.Reload(ctx); err != nil {
				log.Error("Approval policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			log.Info("Approval policy reloaded", zap.String("file", e.file))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Policy watcher error", zap.Error(err))
		}
	}
}

// ApproverPolicies are the Vault policies that mark a user as an approver.
func (e *Engine) ApproverPolicies() []string {
	return append([]string(nil), e.approverPolicies...)
}

// Allow evaluates the policy for approver acting on req.
func (e *Engine) Allow(ctx context.Context, approver Approver, req *models.Request) (bool, error) {
	ctx, span := telemetry.Start(ctx, "policy.Allow",
		attribute.String("approver", approver.EntityID),
		attribute.Int("request.id", int(req.ID)),
	)
	defer span.End()

	e.mu.RLock()
	query, source := e.query, e.source
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input(approver, req, e.approverPolicies)))
	if err != nil {
		return false, cerr.Wrapf(err, "approval policy %s evaluation failed", source)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// allow undefined means deny
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, cerr.Errorf("approval policy %s returned non-boolean: %v", source, rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

func input(a Approver, r *models.Request, approverPolicies []string) map[string]any {
	policies := make([]any, 0, len(a.Policies))
	for _, p := range a.Policies {
		policies = append(policies, p)
	}
	wanted := make([]any, 0, len(approverPolicies))
	for _, p := range approverPolicies {
		wanted = append(wanted, p)
	}
	data := map[string]any{}
	for k, v := range r.Data {
		data[k] = v
	}
	return map[string]any{
		"approver": map[string]any{
			"entity_id": a.EntityID,
			"name":      a.Name,
			"policies":  policies,
		},
		"request": map[string]any{
			"id":                int(r.ID),
			"requesterEntityId": r.RequesterEntityID,
			"requesterName":     r.RequesterName,
			"path":              r.Path,
			"type":              string(r.Type),
			"status":            string(r.Status),
			"engineType":        r.EngineType,
			"data":              data,
		},
		"approver_policies": wanted,
	}
}
