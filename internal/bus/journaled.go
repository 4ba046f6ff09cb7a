package bus

import (
	"context"

	"github.com/trecbench/trecbench/internal/pkg/logger"
)

// JournaledBus wraps another Bus and records every published event to
// a Journal before delegating. Journal failures never fail the publish.
type JournaledBus struct {
	inner   Bus
	journal *Journal
	log     *logger.Logger
}

// NewJournaledBus creates a journaling wrapper around an inner bus.
func NewJournaledBus(inner Bus, journal *Journal, log *logger.Logger) *JournaledBus {
	if log == nil {
		log = logger.Default()
	}
	return &JournaledBus{
		inner:   inner,
		journal: journal,
		log:     log,
	}
}

// Publish records the event and then delegates to the inner bus.
func (b *JournaledBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.journal.Record(topic, event); err != nil {
		b.log.Warn("failed to journal event",
			"topic", topic,
			"error", err.Error(),
		)
	}
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus.
func (b *JournaledBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close closes the journal and the inner bus.
func (b *JournaledBus) Close() error {
	if err := b.journal.Close(); err != nil {
		b.log.Warn("failed to close journal", "error", err.Error())
	}
	return b.inner.Close()
}
