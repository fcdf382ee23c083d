package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/sessiongate/internal/adapter/metrics"
)

// MetricsTracer implements pgx.QueryTracer to collect store metrics.
type MetricsTracer struct {
	metrics *metrics.StoreMetrics
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(m *metrics.StoreMetrics) *MetricsTracer {
	return &MetricsTracer{metrics: m}
}

type queryContextKey struct{}

type queryContext struct {
	startTime time.Time
	operation string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		startTime: time.Now(),
		operation: extractOperation(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	t.metrics.OpDuration.WithLabelValues(qctx.operation).Observe(time.Since(qctx.startTime).Seconds())

	status := "ok"
	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		status = "error"
	}
	t.metrics.OpsTotal.WithLabelValues(qctx.operation, status).Inc()
}

// extractOperation returns the leading SQL keyword, lowercased, so metric
// labels stay low-cardinality.
func extractOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	op := strings.ToLower(fields[0])
	if len(op) > 20 {
		op = op[:20]
	}
	return op
}
