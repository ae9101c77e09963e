package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sqlx.DB
}

type txKey struct{}

// dbtx is satisfied by both *sqlx.DB and *sqlx.Tx
type dbtx interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema files in name order
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		body, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// RunInTx runs fn inside a single database transaction carried on ctx.
// Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// GetVariant retrieves a variant by ID
func (s *Store) GetVariant(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	err := s.conn(ctx).GetContext(ctx, &v, `
		SELECT id, product_id, product_name, sku, size, color, price, sale_price, stock, status
		FROM variants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("variant %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant %d: %w", id, err)
	}
	return &v, nil
}

// AdjustStock atomically adds delta to a variant's stock.
// A decrement that would make stock negative changes nothing and fails.
func (s *Store) AdjustStock(ctx context.Context, variantID int64, delta int) error {
	db := s.conn(ctx)

	res, err := db.ExecContext(ctx, `
		UPDATE variants SET stock = stock + $1, updated_at = NOW()
		WHERE id = $2 AND stock + $1 >= 0`, delta, variantID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock for variant %d: %w", variantID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM variants WHERE id = $1)", variantID); err != nil {
		return fmt.Errorf("failed to check variant %d: %w", variantID, err)
	}
	if !exists {
		return apperror.NotFound("variant %d not found", variantID)
	}
	return apperror.Validation("insufficient stock for variant %d", variantID)
}

// GetCart returns the user's cart lines
func (s *Store) GetCart(ctx context.Context, userID int64) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := s.conn(ctx).SelectContext(ctx, &lines, `
		SELECT id, user_id, product_id, variant_id, quantity
		FROM cart_items WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart for user %d: %w", userID, err)
	}
	return lines, nil
}

// ClearCart removes every line from the user's cart
func (s *Store) ClearCart(ctx context.Context, userID int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("failed to clear cart for user %d: %w", userID, err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.conn(ctx).GetContext(ctx, &u, "SELECT id, name, email, phone, role FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

// NextSequence increments and returns the named counter.
// It always runs outside any caller transaction so issued values are never reused.
func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO counters (key, seq) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET seq = counters.seq + 1, updated_at = NOW()
		RETURNING seq`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return seq, nil
}
