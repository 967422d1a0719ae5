// pkg/cli/cleanup.go

package cli

import (
	"context"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// CleanupFunc releases one resource on shutdown.
type CleanupFunc func(ctx context.Context) error

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// Cleanups runs registered functions in reverse registration order.
type Cleanups struct {
	mu    sync.Mutex
	funcs []namedCleanup
}

// Register adds fn under name.
func (c *Cleanups) Register(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, namedCleanup{name: name, fn: fn})
}

// Len is the number of pending cleanups.
func (c *Cleanups) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.funcs)
}

// Run executes every cleanup once, LIFO, giving up after timeout. Failures
// are collected, not short-circuited.
func (c *Cleanups) Run(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	funcs := c.funcs
	c.funcs = nil
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// Cleanups still run when the caller's context is already cancelled.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	log := otelzap.Ctx(ctx)
	done := make(chan error, 1)
	go func() {
		var errs *multierror.Error
		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i].fn(runCtx); err != nil {
				log.Warn("Cleanup failed", zap.String("resource", funcs[i].name), zap.Error(err))
				errs = multierror.Append(errs, cerr.Wrapf(err, "cleanup %s", funcs[i].name))
				continue
			}
			log.Debug("Cleanup complete", zap.String("resource", funcs[i].name))
		}
		done <- errs.ErrorOrNil()
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		log.Error("Cleanup timed out", zap.Duration("timeout", timeout))
		return cerr.Newf("cleanup timed out after %s", timeout)
	}
}
