package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
	"github.com/inboxd/inboxd/internal/domain/outbox"
	"github.com/inboxd/inboxd/internal/obs/retry"
)

var (
	outboxHandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_handler_latency_seconds",
		Help:    "Latency of outbox handlers (feed publish).",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	outboxHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_handler_errors_total",
		Help: "Errors in outbox handlers (after retries).",
	}, []string{"kind"})
)

func instrument(kind string, h outbox.KindHandler, pol retry.Policy) outbox.KindHandler {
	tr := otel.Tracer("outbox.handler")
	if pol.Name == "" {
		pol.Name = "outbox_" + kind
	}
	return func(ctx context.Context, data []byte) error {
		ctx, span := tr.Start(ctx, "outbox.handle")
		defer span.End()

		start := time.Now()
		err := retry.Do(ctx, func() error { return h(ctx, data) }, pol)
		outboxHandlerLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			outboxHandlerErrors.WithLabelValues(kind).Inc()
		}
		return err
	}
}

// MakeGlobalHandler maps outbox kinds to feed publishes. Outbox data is the
// item row as JSON; insert and read-confirmation rows become insert/update
// feed events respectively.
func MakeGlobalHandler(pub feed.Publisher, pol retry.Policy) outbox.GlobalHandler {
	decode := func(data []byte) (*item.Item, error) {
		var it item.Item
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("unmarshal item payload: %w", err)
		}
		return &it, nil
	}

	return func(kind outbox.Kind) (outbox.KindHandler, error) {
		switch kind {
		case outbox.KindItemInserted:
			base := func(ctx context.Context, data []byte) error {
				it, err := decode(data)
				if err != nil {
					return err
				}
				return pub.PublishInserted(ctx, it)
			}
			return instrument("item_inserted", base, pol), nil

		case outbox.KindItemsRead:
			base := func(ctx context.Context, data []byte) error {
				it, err := decode(data)
				if err != nil {
					return err
				}
				return pub.PublishUpdated(ctx, it)
			}
			return instrument("items_read", base, pol), nil

		default:
			return nil, fmt.Errorf("unsupported outbox kind: %d", kind)
		}
	}
}
