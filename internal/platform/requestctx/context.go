package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey    contextKey = "github.com/medina-market/api/internal/platform/requestctx/logger"
	traceContextKey     contextKey = "github.com/medina-market/api/internal/platform/requestctx/trace"
	requestIDContextKey contextKey = "github.com/medina-market/api/internal/platform/requestctx/request-id"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithRequestID records the inbound request identifier so work detached from the HTTP layer, such
// as order events, can be correlated with the request that caused it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestID returns the identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// Principal collects who made the request. Auth middleware runs inside the request logger, so it
// records into this holder rather than a derived context.
type Principal struct {
	mu     sync.Mutex
	userID string
	caller string
}

const principalContextKey contextKey = "github.com/medina-market/api/internal/platform/requestctx/principal"

// WithPrincipal installs an empty principal holder on ctx.
func WithPrincipal(ctx context.Context) (context.Context, *Principal) {
	if ctx == nil {
		ctx = context.Background()
	}
	p := &Principal{}
	return context.WithValue(ctx, principalContextKey, p), p
}

// SetUser records the authenticated customer or staff uid when a holder is present.
func SetUser(ctx context.Context, uid string) {
	if p := principalFrom(ctx); p != nil {
		p.mu.Lock()
		p.userID = uid
		p.mu.Unlock()
	}
}

// SetCaller records the verified service account calling an internal route.
func SetCaller(ctx context.Context, caller string) {
	if p := principalFrom(ctx); p != nil {
		p.mu.Lock()
		p.caller = caller
		p.mu.Unlock()
	}
}

// Snapshot returns the recorded user and caller.
func (p *Principal) Snapshot() (userID, caller string) {
	if p == nil {
		return "", ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID, p.caller
}

func principalFrom(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}
