package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// AckStore is the record-store side of read acknowledgement.
type AckStore interface {
	MarkRead(ctx context.Context, ids []int64) error
}

// Acker sends read confirmations in the background. Failures are logged and
// counted, never retried and never rolled back: once the user saw something
// become read it stays read locally (availability over consistency).
type Acker struct {
	log   *zap.Logger
	store AckStore
	wg    sync.WaitGroup
}

func NewAcker(log *zap.Logger, store AckStore) *Acker {
	return &Acker{
		log:   log.With(zap.String("component", "delivery.acker")),
		store: store,
	}
}

// Confirm issues one acknowledgement request for the given id set. It never
// blocks the caller; the optimistic local flip already happened.
func (a *Acker) Confirm(ids []int64) {
	if len(ids) == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// deliberately detached from the view lifecycle: an unmounted view
		// must not cancel an acknowledgement already on its way
		if err := a.store.MarkRead(context.Background(), ids); err != nil {
			mAckFailures.Inc()
			a.log.Warn("read ack failed; local state kept", zap.Int64s("ids", ids), zap.Error(err))
			return
		}
		mAcksSent.Inc()
	}()
}

// Wait blocks until every in-flight acknowledgement finished. Test hook and
// shutdown aid; live callers never need it.
func (a *Acker) Wait() { a.wg.Wait() }
