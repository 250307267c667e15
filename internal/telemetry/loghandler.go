package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// LogHandler is a [slog.Handler] that writes every record to the wrapped
// handler and also emits it through an OpenTelemetry logger.
type LogHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	groups []string
}

// NewLogHandler wraps next. Records are emitted on the logger named scope
// from lp, usually global.GetLoggerProvider().
func NewLogHandler(next slog.Handler, lp otellog.LoggerProvider, scope string) *LogHandler {
	return &LogHandler{next: next, logger: lp.Logger(scope)}
}

// Enabled follows the wrapped handler's level.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle emits r and passes it on.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetObservedTimestamp(time.Now())
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if kv, ok := convertAttr(h.groups, a); ok {
			rec.AddAttributes(kv)
		}
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		if kv, ok := convertAttr(h.groups, a); ok {
			cp.attrs = append(cp.attrs, kv)
		}
	}
	return &cp
}

// WithGroup returns a handler that prefixes later attribute keys with name.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.groups = append(append([]string(nil), h.groups...), name)
	return &cp
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// convertAttr flattens groups into dotted keys.
func convertAttr(groups []string, a slog.Attr) (otellog.KeyValue, bool) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return otellog.KeyValue{}, false
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	v := a.Value
	switch v.Kind() {
	case slog.KindString:
		return otellog.String(key, v.String()), true
	case slog.KindInt64:
		return otellog.Int64(key, v.Int64()), true
	case slog.KindUint64:
		return otellog.Int64(key, int64(v.Uint64())), true
	case slog.KindFloat64:
		return otellog.Float64(key, v.Float64()), true
	case slog.KindBool:
		return otellog.Bool(key, v.Bool()), true
	case slog.KindTime:
		return otellog.String(key, v.Time().Format(time.RFC3339Nano)), true
	case slog.KindGroup:
		members := make([]otellog.KeyValue, 0, len(v.Group()))
		for _, m := range v.Group() {
			if kv, ok := convertAttr(nil, m); ok {
				members = append(members, kv)
			}
		}
		return otellog.Map(key, members...), true
	default:
		// Durations, errors and anything else.
		return otellog.String(key, v.String()), true
	}
}
