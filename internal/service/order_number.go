package service

import (
	"context"
	"fmt"

	"order-core/internal/apperror"
	"order-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxOrderNumberAttempts = 5

// OrderNumbers are the two identifiers every order carries
type OrderNumbers struct {
	ShortOrderID string
	OrderNumber  string
}

// OrderNumberGenerator issues PREFIX-YEAR-NNN short ids from a counter and random order numbers
type OrderNumberGenerator struct {
	counters CounterStore
	orders   OrderRepository
	now      Clock
	logger   *zap.Logger
}

// NewOrderNumberGenerator creates a generator
func NewOrderNumberGenerator(counters CounterStore, orders OrderRepository, now Clock) *OrderNumberGenerator {
	return &OrderNumberGenerator{
		counters: counters,
		orders:   orders,
		now:      now,
		logger:   util.GetLogger(),
	}
}

// Generate returns fresh identifiers for prefix. A short id that already exists
// is skipped by drawing the next sequence value, up to a fixed number of attempts.
func (g *OrderNumberGenerator) Generate(ctx context.Context, prefix string) (OrderNumbers, error) {
	year := g.now().Year()
	key := fmt.Sprintf("%s-%d", prefix, year)

	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		seq, err := g.counters.NextSequence(ctx, key)
		if err != nil {
			return OrderNumbers{}, fmt.Errorf("failed to draw order sequence: %w", err)
		}

		shortID := fmt.Sprintf("%s-%d-%03d", prefix, year, seq)

		exists, err := g.orders.ShortOrderIDExists(ctx, shortID)
		if err != nil {
			return OrderNumbers{}, err
		}
		if !exists {
			return OrderNumbers{
				ShortOrderID: shortID,
				OrderNumber:  uuid.NewString(),
			}, nil
		}

		g.logger.Warn("Short order id collision, retrying",
			zap.String("short_order_id", shortID),
			zap.Int("attempt", attempt))
	}

	return OrderNumbers{}, apperror.Conflict("could not allocate a unique order id for %s", key)
}
