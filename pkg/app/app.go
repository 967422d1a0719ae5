// pkg/app/app.go
//
// Package app assembles the server from configuration: Postgres, the
// server's Vault identity, the approval policy, the socket hub, the mail
// queue, the workflow service, the /v1 proxy and the REST front end.
package app

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/api"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/mailer"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/notify"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/policy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/proxy"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/socket"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type options struct {
	store     store.Store
	mail      []mailer.Option
	listener  net.Listener
	backplane socket.Backplane
	now       func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithStore uses st instead of opening Postgres.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithMailOptions passes opts to the mailer.
func WithMailOptions(opts ...mailer.Option) Option {
	return func(o *options) { o.mail = append(o.mail, opts...) }
}

// WithListener serves on ln instead of server.listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithBackplane uses bp instead of the one socket.backplane selects. The
// App closes it.
func WithBackplane(bp socket.Backplane) Option {
	return func(o *options) { o.backplane = bp }
}

// WithClock overrides time.Now for the workflow and API.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// App is a wired server.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Store    store.Store
	Vault    *vault.Factory
	Identity *vault.ServerIdentity
	Policy   *policy.Engine
	Hub      *socket.Hub
	Mailer   *mailer.Mailer
	Workflow *workflow.Service
	API      *api.Server

	listener net.Listener
	cleanups cli.Cleanups
}

// New connects every dependency. On error, anything already opened is
// released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, listener: o.listener}
	defer func() {
		if err != nil {
			_ = a.cleanups.Run(ctx, cfg.Server.ShutdownTimeout)
		}
	}()
	log := otelzap.Ctx(ctx)

	a.Store = o.store
	if a.Store == nil {
		db, err := pam_postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.cleanups.Register("postgres", func(context.Context) error { return pam_postgres.Close(db) })
		if cfg.Database.AutoMigrate {
			if err := pam_postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		a.Store = store.NewGormStore(db)
	}

	if a.Vault, err = vault.NewFactory(cfg.Vault); err != nil {
		return nil, err
	}
	if a.Identity, err = vault.NewServerIdentity(ctx, a.Vault, cfg.Vault.Auth); err != nil {
		return nil, cerr.Wrap(err, "server vault identity")
	}

	if a.Policy, err = policy.New(ctx, cfg.Workflow); err != nil {
		return nil, err
	}

	px, err := proxy.New(a.Vault, proxy.NewLimiter(cfg.RateLimit))
	if err != nil {
		return nil, err
	}

	bp := o.backplane
	if bp == nil {
		if bp, err = socket.NewBackplane(ctx, cfg.Socket, cfg.Redis, a.DB, cfg.Database.ConnString()); err != nil {
			return nil, err
		}
	}
	if bp != nil {
		a.cleanups.Register("socket-backplane", func(context.Context) error { return bp.Close() })
	}
	a.Hub = socket.NewHub(cfg.Socket, bp)
	a.Mailer = mailer.New(cfg.SMTP, o.mail...)

	a.Workflow = workflow.New(workflow.Deps{
		Store:    a.Store,
		Vault:    a.Vault,
		Server:   a.Identity,
		Policy:   a.Policy,
		Notifier: notify.New(a.Hub, a.Mailer, a.Store, cfg.Workflow.ApproverPolicies),
		Workflow: cfg.Workflow,
		WrapTTL:  cfg.Vault.WrapTTL,
		Now:      o.now,
	})

	a.API = api.New(api.Deps{
		Config:   cfg,
		Vault:    a.Vault,
		Server:   a.Identity,
		Workflow: a.Workflow,
		Store:    a.Store,
		Hub:      a.Hub,
		Proxy:    px,
		Now:      o.now,
	})

	log.Info("Server assembled",
		zap.Strings("vault_addresses", a.Vault.Addresses()),
		zap.Bool("postgres", a.DB != nil),
		zap.String("backplane", cfg.Socket.Backplane),
		zap.Bool("mail", cfg.SMTP.Enabled))
	return a, nil
}

// Run serves until ctx ends, then stops the background workers and
// releases resources.
func (a *App) Run(ctx context.Context) error {
	log := otelzap.Ctx(ctx)
	workCtx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(workCtx)
			log.Debug("Worker stopped", zap.String("worker", name))
		}()
	}
	spawn("vault-identity", a.Identity.Run)
	spawn("mailer", a.Mailer.Run)
	spawn("reconciler", a.Workflow.Run)
	spawn("policy-watcher", func(ctx context.Context) {
		if err := a.Policy.Watch(ctx); err != nil {
			log.Error("Approval policy watcher stopped", zap.Error(err))
		}
	})
	spawn("socket-hub", func(ctx context.Context) {
		if err := a.Hub.Run(ctx); err != nil {
			log.Error("Socket backplane stopped", zap.Error(err))
		}
	})

	var serveErr error
	if a.listener != nil {
		serveErr = a.API.Serve(ctx, a.listener)
	} else {
		serveErr = a.API.ListenAndServe(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Hub.Close()
	a.Mailer.Close()
	a.Mailer.Wait(shutdownCtx)
	stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Background workers did not stop before the shutdown timeout")
	}

	if err := a.Close(ctx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Close releases connections opened by New.
func (a *App) Close(ctx context.Context) error {
	return a.cleanups.Run(ctx, a.Config.Server.ShutdownTimeout)
}
