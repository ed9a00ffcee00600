package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

const (
	defaultBuffer      = 256
	defaultSinkTimeout = 5 * time.Second
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", claims.UserID))
	}
	zf = append(zf, zap.Any("fields", copyFields(fields)))
	obs.Logger().Info("audit", zf...)
	return nil
}

// Sink persists audit events.
type Sink interface {
	Append(ctx context.Context, requestID string, event auth.AuditEvent) error
}

type entry struct {
	requestID string
	event     auth.AuditEvent
}

// Notifier delivers audit events off the request path. Events are logged and,
// when a sink is configured, persisted. A full buffer drops the event.
type Notifier struct {
	sink    Sink
	timeout time.Duration
	events  chan entry

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// Option configures Notifier.
type Option func(*Notifier)

// WithSink persists every event through s.
func WithSink(s Sink) Option {
	return func(n *Notifier) {
		n.sink = s
	}
}

// WithBuffer sets how many events may be queued.
func WithBuffer(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.events = make(chan entry, size)
		}
	}
}

// WithSinkTimeout bounds one sink write.
func WithSinkTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewNotifier starts the delivery goroutine. Call Close on shutdown.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		timeout: defaultSinkTimeout,
		events:  make(chan entry, defaultBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n
}

// Notify queues event without blocking. It never fails the caller.
func (n *Notifier) Notify(ctx context.Context, event auth.AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	e := entry{requestID: RequestIDFromContext(ctx), event: event}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.events <- e:
	default:
		n.dropped.Add(1)
		obs.Logger().Warn("audit: buffer full, event dropped", zap.String("event", event.Action))
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for e := range n.events {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e entry) {
	ev := e.event
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", ev.Action),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	if e.requestID != "" {
		fields = append(fields, zap.String("request_id", e.requestID))
	}
	if ev.ActorUserID != "" {
		fields = append(fields, zap.String("user_id", ev.ActorUserID))
	}
	if ev.ActorOrgID != "" {
		fields = append(fields, zap.String("organization_id", ev.ActorOrgID))
	}
	if ev.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", ev.ResourceType), zap.String("resource_id", ev.ResourceID))
	}
	fields = append(fields, zap.Any("fields", copyFields(ev.Metadata)))
	obs.Logger().Info("audit", fields...)

	if n.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.sink.Append(ctx, e.requestID, ev); err != nil {
		obs.Logger().Warn("audit: persist failed", zap.String("event", ev.Action), zap.Error(err))
	}
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
