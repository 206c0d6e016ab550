package mediafs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opWrite  = "write"
	opRead   = "read"
	opDelete = "delete"
	opStat   = "stat"
	opList   = "list"
	opServe  = "serve"

	statusOK       = "ok"
	statusNotFound = "not_found"
	statusError    = "error"
)

// Metrics records backend operation durations.
type Metrics struct {
	ops *prometheus.HistogramVec
}

// NewMetrics registers the operation histogram with reg. Registering twice
// against the same registerer reuses the existing collector.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	ops := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediafs",
		Name:      "operation_duration_seconds",
		Help:      "Duration of object store operations by backend, operation and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "operation", "status"})
	if err := reg.Register(ops); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		ops = existing
	}
	return &Metrics{ops: ops}, nil
}

func (m *Metrics) observe(backend, op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(backend, op, status).Observe(d.Seconds())
}

// observe logs and records one backend call. errp points at the store call's
// error so the deferred call sees the final outcome, including not-found
// results the caller later swallows.
func (fs *FileSystem) observe(ctx context.Context, op, key string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	elapsed := time.Since(start)
	status := statusOf(err)
	fs.metrics.observe(fs.name, op, status, elapsed)

	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("key", key),
		slog.String("status", status),
		slog.Duration("duration", elapsed),
	}
	if status == statusError {
		attrs = append(attrs, slog.Any("err", err))
		fs.log.LogAttrs(ctx, slog.LevelWarn, "Object store operation failed", attrs...)
		return
	}
	fs.log.LogAttrs(ctx, slog.LevelDebug, "Object store operation", attrs...)
}
