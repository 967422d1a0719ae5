// pkg/mailer/mailer.go
//
// Package mailer delivers notification mail over SMTP from a background
// queue. Sends go through a circuit breaker so a dead relay does not tie up
// the worker.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	cerr "github.com/cockroachdb/errors"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// ErrDisabled is returned by Send when smtp.enabled is false.
var ErrDisabled = cerr.New("mail is disabled")

// SendFunc hands a rendered message to the relay.
type SendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Mailer queues and sends messages.
type Mailer struct {
	cfg     config.SMTPConfig
	send    SendFunc
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	queue  chan Message
	closed bool
	done   chan struct{}
}

// Option customizes a Mailer.
type Option func(*Mailer)

// WithSendFunc replaces the SMTP transport.
func WithSendFunc(f SendFunc) Option {
	return func(m *Mailer) { m.send = f }
}

// New builds a mailer. Run must be started for queued mail to go out.
func New(cfg config.SMTPConfig, opts ...Option) *Mailer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := &Mailer{
		cfg:   cfg,
		queue: make(chan Message, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	m.send = m.smtpSend
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("Mail circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	for _, o := range opts {
		o(m)
	}
	return m
}

// Enabled reports whether mail goes anywhere.
func (m *Mailer) Enabled() bool { return m.cfg.Enabled }

// UIURL is the base link put in messages.
func (m *Mailer) UIURL() string { return m.cfg.UIURL }

// Enqueue schedules msg without blocking. It reports false when the mail
// was dropped.
func (m *Mailer) Enqueue(ctx context.Context, msg Message) bool {
	if !m.cfg.Enabled || len(msg.To) == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		metrics.MailDropped.Inc()
		return false
	}
	select {
	case m.queue <- msg:
		return true
	default:
		metrics.MailDropped.Inc()
		otelzap.Ctx(ctx).Warn("Mail queue full, dropping message",
			zap.String("subject", msg.Subject),
			zap.Int("recipients", len(msg.To)))
		return false
	}
}

// Run sends queued mail until Close is called and the queue drains, or ctx
// ends.
func (m *Mailer) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.queue:
			if !ok {
				return
			}
			if err := m.Send(ctx, msg); err != nil {
				otelzap.Ctx(ctx).Error("Failed to send notification mail",
					zap.String("subject", msg.Subject),
					zap.Strings("to", msg.To),
					zap.Error(err))
			}
		}
	}
}

// Close stops accepting mail. Call Wait to let the worker drain.
func (m *Mailer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
}

// Wait blocks until Run returns or ctx ends.
func (m *Mailer) Wait(ctx context.Context) {
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

// Send renders and delivers msg synchronously through the breaker.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	raw, err := Render(m.cfg.From, msg, time.Now())
	if err != nil {
		metrics.MailFailed.Inc()
		return err
	}
	_, err = m.breaker.Execute(func() (any, error) {
		return nil, m.send(ctx, m.cfg.From, msg.To, raw)
	})
	if err != nil {
		metrics.MailFailed.Inc()
		return cerr.Wrap(err, "send mail")
	}
	metrics.MailSent.Inc()
	otelzap.Ctx(ctx).Debug("Notification mail sent", zap.String("subject", msg.Subject), zap.Int("recipients", len(msg.To)))
	return nil
}

// smtpSend talks to the relay with the configured TLS mode and optional
// PLAIN authentication.
func (m *Mailer) smtpSend(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	tlsCfg := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if m.cfg.TLS == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return cerr.Wrapf(err, "dial smtp %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if m.cfg.TLS == "starttls" {
		if err := c.StartTLS(tlsCfg); err != nil {
			return cerr.Wrap(err, "smtp starttls")
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
			return cerr.Wrap(err, "smtp auth")
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return cerr.Wrap(err, "smtp send")
	}
	return c.Quit()
}
