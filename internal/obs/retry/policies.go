package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PublishPolicy covers outbox → Kafka publishes: broker hiccups are common
// and the outbox row stays IN_PROGRESS until the publish lands.
func PublishPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "feed_publish",
		Attempts: 6,
		Backoff:  ExpoJitter{Base: 200 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("publish retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("publish retries exhausted", zap.Error(err))
			}
		},
	}
}

// RecordStorePolicy covers the send path (item insert). Short and tight:
// the caller is waiting on the result.
func RecordStorePolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "record_store",
		Attempts: 3,
		Backoff:  ExpoJitter{Base: 100 * time.Millisecond, Max: 1 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("record store retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
	}
}
