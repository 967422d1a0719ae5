// pkg/pam_io/context.go

package pam_io

import (
	"context"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/telemetry"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// RuntimeContext carries the per-operation context, logger and span.
type RuntimeContext struct {
	Ctx        context.Context
	Log        otelzap.LoggerWithCtx
	Span       trace.Span
	Timestamp  time.Time
	Operation  string
	RequestID  string
	Attributes map[string]string
}

// NewContext opens a span named op and returns a context scoped to it.
func NewContext(parent context.Context, op string) *RuntimeContext {
	reqID := RequestID(parent)
	ctx, span := telemetry.Start(parent, op, attribute.String("request.id", reqID))

	log := otelzap.New(zap.L().With(
		zap.String("operation", op),
		zap.String("request_id", reqID),
	)).Ctx(ctx)

	return &RuntimeContext{
		Ctx:        ctx,
		Log:        log,
		Span:       span,
		Timestamp:  time.Now(),
		Operation:  op,
		RequestID:  reqID,
		Attributes: make(map[string]string),
	}
}

// FromRequest builds a RuntimeContext for an HTTP request.
func FromRequest(r *http.Request, op string) *RuntimeContext {
	rc := NewContext(r.Context(), op)
	rc.Span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", r.URL.Path),
	)
	return rc
}

// HandlePanic recovers panics, logs them, and converts to an error.
func (rc *RuntimeContext) HandlePanic(errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = cerr.AssertionFailedf("panic: %v", r)
		rc.Log.Error("panic recovered", zap.Any("panic", r))
	}
}

// End logs the outcome and closes the span.
func (rc *RuntimeContext) End(errPtr *error) {
	defer rc.Span.End()

	duration := time.Since(rc.Timestamp)
	var err error
	if errPtr != nil {
		err = *errPtr
	}

	fields := []zap.Field{zap.Duration("duration", duration)}
	for k, v := range rc.Attributes {
		fields = append(fields, zap.String(k, v))
		rc.Span.SetAttributes(attribute.String(k, v))
	}

	switch {
	case err == nil:
		rc.Log.Debug("Operation completed", fields...)
		rc.Span.SetStatus(codes.Ok, "")
	case pam_err.IsClientError(err):
		rc.Log.Warn("Operation rejected", append(fields, zap.Error(err))...)
		rc.Span.SetStatus(codes.Error, err.Error())
	default:
		rc.Log.Error("Operation failed", append(fields, zap.Error(err))...)
		rc.Span.RecordError(err)
		rc.Span.SetStatus(codes.Error, err.Error())
	}
}

// WithRequestID stores a request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
