// pkg/pam_postgres/listener.go
package pam_postgres

import (
	"context"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Listen subscribes to channel and calls handle for every payload until ctx
// is canceled. Reconnects are handled by pq.Listener; an idle connection is
// pinged so a dead socket is noticed.
func Listen(ctx context.Context, dsn, channel string, handle func(payload string)) error {
	log := otelzap.Ctx(ctx)

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Error("PostgreSQL listener error", zap.Error(err))
		}
		if ev == pq.ListenerEventReconnected {
			log.Info("PostgreSQL listener reconnected", zap.String("channel", channel))
		}
	})
	defer func() {
		if err := listener.Close(); err != nil {
			log.Warn("Failed to close PostgreSQL listener", zap.Error(err))
		}
	}()

	if err := listener.Listen(channel); err != nil {
		return cerr.Wrapf(err, "listen %s", channel)
	}
	log.Info("Listening for database notifications", zap.String("channel", channel))

	idle := time.NewTicker(90 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; events sent while down are lost.
			if n != nil {
				handle(n.Extra)
			}
		case <-idle.C:
			if err := listener.Ping(); err != nil {
				log.Warn("PostgreSQL listener ping failed", zap.Error(err))
			}
		}
	}
}
