package service

import (
	"context"
	"time"

	"order-core/internal/khalti"
	"order-core/internal/models"
)

// OrderRepository persists the order aggregate
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByPidxForUpdate(ctx context.Context, pidx string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, filter models.OrderFilter) ([]*models.Order, int, error)
	ShortOrderIDExists(ctx context.Context, shortOrderID string) (bool, error)
}

// Catalog reads variants and mutates their stock atomically
type Catalog interface {
	GetVariant(ctx context.Context, id int64) (*models.Variant, error)
	AdjustStock(ctx context.Context, variantID int64, delta int) error
}

// CartStore reads and clears a user's cart
type CartStore interface {
	GetCart(ctx context.Context, userID int64) ([]models.CartLine, error)
	ClearCart(ctx context.Context, userID int64) error
}

// UserDirectory looks up customers
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// CounterStore hands out monotonic per-key sequence numbers
type CounterStore interface {
	NextSequence(ctx context.Context, key string) (int64, error)
}

// TxRunner runs fn as one atomic unit; any error rolls everything back
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier delivers customer notifications after commit
type Notifier interface {
	Send(ctx context.Context, n models.Notification) error
}

// EventPublisher emits domain events after commit
type EventPublisher interface {
	Publish(ctx context.Context, key string, event interface{}) error
}

// Locker serialises checkouts per user
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyStore remembers which order a client request key produced
type IdempotencyStore interface {
	GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error)
	SaveIdempotentOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error
}

// PaymentGateway is the Khalti e-payment API
type PaymentGateway interface {
	Initiate(ctx context.Context, req khalti.InitiateRequest) (*khalti.InitiateResponse, error)
	Lookup(ctx context.Context, pidx string) (*khalti.LookupResponse, error)
	Refund(ctx context.Context, req khalti.RefundRequest) (*khalti.RefundResponse, error)
}

// Clock returns the current time
type Clock func() time.Time
