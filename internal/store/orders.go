package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// orderRow is the flat database shape of models.Order
type orderRow struct {
	ID                   int64              `db:"id"`
	OrderNumber          string             `db:"order_number"`
	ShortOrderID         string             `db:"short_order_id"`
	UserID               int64              `db:"user_id"`
	Subtotal             decimal.Decimal    `db:"subtotal"`
	DiscountTotal        decimal.Decimal    `db:"discount_total"`
	TaxTotal             decimal.Decimal    `db:"tax_total"`
	ShippingCost         decimal.Decimal    `db:"shipping_cost"`
	TotalAmount          decimal.Decimal    `db:"total_amount"`
	AmountPaid           decimal.Decimal    `db:"amount_paid"`
	AmountRefunded       decimal.Decimal    `db:"amount_refunded"`
	OrderStatus          string             `db:"order_status"`
	PaymentStatus        string             `db:"payment_status"`
	PaymentMethod        string             `db:"payment_method"`
	ShippingAddress      types.JSONText     `db:"shipping_address"`
	BillingAddress       types.JSONText     `db:"billing_address"`
	UseShippingAsBilling bool               `db:"use_shipping_as_billing"`
	BusinessRules        types.JSONText     `db:"business_rules"`
	Shipping             types.JSONText     `db:"shipping"`
	PaymentDetails       types.JSONText     `db:"payment_details"`
	Workflow             types.NullJSONText `db:"workflow"`
	CODDetails           types.NullJSONText `db:"cod_details"`
	CustomerNotes        string             `db:"customer_notes"`
	InternalNotes        string             `db:"internal_notes"`
	Source               string             `db:"source"`
	ParentOrderID        sql.NullInt64      `db:"parent_order_id"`
	StockReserved        bool               `db:"stock_reserved"`
	CreatedAt            time.Time          `db:"created_at"`
	UpdatedAt            time.Time          `db:"updated_at"`
	ConfirmedAt          sql.NullTime       `db:"confirmed_at"`
	ProcessedAt          sql.NullTime       `db:"processed_at"`
	ShippedAt            sql.NullTime       `db:"shipped_at"`
	DeliveredAt          sql.NullTime       `db:"delivered_at"`
}

const orderColumns = `id, order_number, short_order_id, user_id, subtotal, discount_total, tax_total,
	shipping_cost, total_amount, amount_paid, amount_refunded, order_status, payment_status,
	payment_method, shipping_address, billing_address, use_shipping_as_billing, business_rules,
	shipping, payment_details, workflow, cod_details, customer_notes, internal_notes, source,
	parent_order_id, stock_reserved, created_at, updated_at, confirmed_at, processed_at,
	shipped_at, delivered_at`

func toRow(o *models.Order) (*orderRow, error) {
	row := &orderRow{
		ID:                   o.ID,
		OrderNumber:          o.OrderNumber,
		ShortOrderID:         o.ShortOrderID,
		UserID:               o.UserID,
		Subtotal:             o.Subtotal,
		DiscountTotal:        o.DiscountTotal,
		TaxTotal:             o.TaxTotal,
		ShippingCost:         o.ShippingCost,
		TotalAmount:          o.TotalAmount,
		AmountPaid:           o.AmountPaid,
		AmountRefunded:       o.AmountRefunded,
		OrderStatus:          string(o.OrderStatus),
		PaymentStatus:        string(o.PaymentStatus),
		PaymentMethod:        string(o.PaymentMethod),
		UseShippingAsBilling: o.UseShippingAsBilling,
		CustomerNotes:        o.CustomerNotes,
		InternalNotes:        o.InternalNotes,
		Source:               o.Source,
		StockReserved:        o.StockReserved,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		ConfirmedAt:          nullTime(o.ConfirmedAt),
		ProcessedAt:          nullTime(o.ProcessedAt),
		ShippedAt:            nullTime(o.ShippedAt),
		DeliveredAt:          nullTime(o.DeliveredAt),
	}
	if o.ParentOrderID != nil {
		row.ParentOrderID = sql.NullInt64{Int64: *o.ParentOrderID, Valid: true}
	}

	var err error
	if row.ShippingAddress, err = jsonText(o.ShippingAddress); err != nil {
		return nil, err
	}
	if row.BillingAddress, err = jsonText(o.BillingAddress); err != nil {
		return nil, err
	}
	if row.BusinessRules, err = jsonText(o.BusinessRules); err != nil {
		return nil, err
	}
	if row.Shipping, err = jsonText(o.Shipping); err != nil {
		return nil, err
	}
	if row.PaymentDetails, err = jsonText(o.PaymentDetails); err != nil {
		return nil, err
	}
	if o.CODDetails != nil {
		cod, err := jsonText(o.CODDetails)
		if err != nil {
			return nil, err
		}
		row.CODDetails = types.NullJSONText{JSONText: cod, Valid: true}
	}
	if o.Workflow != nil {
		wf, err := models.MarshalWorkflow(o.Workflow)
		if err != nil {
			return nil, fmt.Errorf("failed to encode workflow: %w", err)
		}
		row.Workflow = types.NullJSONText{JSONText: types.JSONText(wf), Valid: true}
	}
	return row, nil
}

func (r *orderRow) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:                   r.ID,
		OrderNumber:          r.OrderNumber,
		ShortOrderID:         r.ShortOrderID,
		UserID:               r.UserID,
		Subtotal:             r.Subtotal,
		DiscountTotal:        r.DiscountTotal,
		TaxTotal:             r.TaxTotal,
		ShippingCost:         r.ShippingCost,
		TotalAmount:          r.TotalAmount,
		AmountPaid:           r.AmountPaid,
		AmountRefunded:       r.AmountRefunded,
		OrderStatus:          models.OrderStatus(r.OrderStatus),
		PaymentStatus:        models.PaymentStatus(r.PaymentStatus),
		PaymentMethod:        models.PaymentMethod(r.PaymentMethod),
		UseShippingAsBilling: r.UseShippingAsBilling,
		CustomerNotes:        r.CustomerNotes,
		InternalNotes:        r.InternalNotes,
		Source:               r.Source,
		StockReserved:        r.StockReserved,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		ConfirmedAt:          timePtr(r.ConfirmedAt),
		ProcessedAt:          timePtr(r.ProcessedAt),
		ShippedAt:            timePtr(r.ShippedAt),
		DeliveredAt:          timePtr(r.DeliveredAt),
	}
	if r.ParentOrderID.Valid {
		parent := r.ParentOrderID.Int64
		o.ParentOrderID = &parent
	}

	targets := []struct {
		src  types.JSONText
		dest interface{}
	}{
		{r.ShippingAddress, &o.ShippingAddress},
		{r.BillingAddress, &o.BillingAddress},
		{r.BusinessRules, &o.BusinessRules},
		{r.Shipping, &o.Shipping},
		{r.PaymentDetails, &o.PaymentDetails},
	}
	for _, t := range targets {
		if len(t.src) == 0 {
			continue
		}
		if err := t.src.Unmarshal(t.dest); err != nil {
			return nil, fmt.Errorf("failed to decode order %d column: %w", r.ID, err)
		}
	}

	if r.CODDetails.Valid {
		o.CODDetails = &models.CODDetails{}
		if err := r.CODDetails.Unmarshal(o.CODDetails); err != nil {
			return nil, fmt.Errorf("failed to decode cod details for order %d: %w", r.ID, err)
		}
	}

	var wfData []byte
	if r.Workflow.Valid {
		wfData = r.Workflow.JSONText
	}
	wf, err := models.UnmarshalWorkflow(wfData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow for order %d: %w", r.ID, err)
	}
	o.Workflow = wf
	return o, nil
}

// CreateOrder inserts an order with its items and initial history entries
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}
	db := s.conn(ctx)

	query, args, err := db.BindNamed(`
		INSERT INTO orders (order_number, short_order_id, user_id, subtotal, discount_total, tax_total,
			shipping_cost, total_amount, amount_paid, amount_refunded, order_status, payment_status,
			payment_method, shipping_address, billing_address, use_shipping_as_billing, business_rules,
			shipping, payment_details, workflow, cod_details, customer_notes, internal_notes, source,
			parent_order_id, stock_reserved, created_at, updated_at, confirmed_at, processed_at,
			shipped_at, delivered_at)
		VALUES (:order_number, :short_order_id, :user_id, :subtotal, :discount_total, :tax_total,
			:shipping_cost, :total_amount, :amount_paid, :amount_refunded, :order_status, :payment_status,
			:payment_method, :shipping_address, :billing_address, :use_shipping_as_billing, :business_rules,
			:shipping, :payment_details, :workflow, :cod_details, :customer_notes, :internal_notes, :source,
			:parent_order_id, :stock_reserved, :created_at, :updated_at, :confirmed_at, :processed_at,
			:shipped_at, :delivered_at)
		RETURNING id`, row)
	if err != nil {
		return fmt.Errorf("failed to bind order insert: %w", err)
	}
	if err := db.GetContext(ctx, &order.ID, query, args...); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := insertOrderItem(ctx, db, item); err != nil {
			return err
		}
	}

	return s.appendHistory(ctx, db, order)
}

func insertOrderItem(ctx context.Context, db dbtx, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, variant_id, product_name, sku, size, color,
			quantity, unit_price, sale_price, total_price, discount_amount, tax_amount, original_stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.VariantID, item.ProductName, item.SKU, item.Size, item.Color,
		item.Quantity, item.UnitPrice, item.SalePrice, item.TotalPrice, item.DiscountAmount,
		item.TaxAmount, item.OriginalStock)
	if err != nil {
		return fmt.Errorf("failed to insert order item: %w", err)
	}
	return nil
}

// appendHistory inserts history entries that have not been persisted yet
func (s *Store) appendHistory(ctx context.Context, db dbtx, order *models.Order) error {
	for i := range order.StatusHistory {
		entry := &order.StatusHistory[i]
		if entry.ID != 0 {
			continue
		}
		entry.OrderID = order.ID
		err := db.GetContext(ctx, &entry.ID, `
			INSERT INTO order_status_history (order_id, status, actor_id, notes, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			entry.OrderID, entry.Status, entry.ActorID, entry.Notes, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert status history: %w", err)
		}
	}
	return nil
}

// UpdateOrder writes every mutable order field and appends new history entries
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	row, err := toRow(order)
	if err != nil {
		return err
	}
	db := s.conn(ctx)

	res, err := sqlxNamedExec(ctx, db, `
		UPDATE orders SET
			amount_paid = :amount_paid,
			amount_refunded = :amount_refunded,
			order_status = :order_status,
			payment_status = :payment_status,
			payment_method = :payment_method,
			business_rules = :business_rules,
			shipping = :shipping,
			payment_details = :payment_details,
			workflow = :workflow,
			cod_details = :cod_details,
			customer_notes = :customer_notes,
			internal_notes = :internal_notes,
			stock_reserved = :stock_reserved,
			updated_at = :updated_at,
			confirmed_at = :confirmed_at,
			processed_at = :processed_at,
			shipped_at = :shipped_at,
			delivered_at = :delivered_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("order %d not found", order.ID)
	}

	return s.appendHistory(ctx, db, order)
}

func sqlxNamedExec(ctx context.Context, db dbtx, query string, arg interface{}) (sql.Result, error) {
	bound, args, err := db.BindNamed(query, arg)
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, bound, args...)
}

// GetOrder retrieves an order with its items and history
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderForUpdate retrieves an order and locks its row until the transaction ends
func (s *Store) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

// GetOrderByPidxForUpdate locks the order that owns a Khalti payment index
func (s *Store) GetOrderByPidxForUpdate(ctx context.Context, pidx string) (*models.Order, error) {
	return s.getOrder(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE payment_details ->> 'pidx' = $1 FOR UPDATE", pidx)
}

func (s *Store) getOrder(ctx context.Context, query string, arg interface{}) (*models.Order, error) {
	db := s.conn(ctx)

	var row orderRow
	err := db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("order %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) loadChildren(ctx context.Context, db dbtx, order *models.Order) error {
	order.Items = []models.OrderItem{}
	err := db.SelectContext(ctx, &order.Items, `
		SELECT id, order_id, product_id, variant_id, product_name, sku, size, color, quantity,
			unit_price, sale_price, total_price, discount_amount, tax_amount, original_stock
		FROM order_items WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %d: %w", order.ID, err)
	}

	order.StatusHistory = []models.StatusHistoryEntry{}
	err = db.SelectContext(ctx, &order.StatusHistory, `
		SELECT id, order_id, status, actor_id, notes, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load history for order %d: %w", order.ID, err)
	}
	return nil
}

// ListOrdersByUser returns a page of the user's orders, newest first, and the total count
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, filter models.OrderFilter) ([]*models.Order, int, error) {
	db := s.conn(ctx)
	limit, offset := filter.Window()

	var total int
	err := db.GetContext(ctx, &total, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = $1 AND ($2::text = '' OR order_status = $2)`, userID, string(filter.Status))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	var rows []orderRow
	err = db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND ($2::text = '' OR order_status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, userID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := make([]*models.Order, 0, len(rows))
	for i := range rows {
		order, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		if err := s.loadChildren(ctx, db, order); err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}
	return orders, total, nil
}

// ShortOrderIDExists reports whether a short order id is already taken
func (s *Store) ShortOrderIDExists(ctx context.Context, shortOrderID string) (bool, error) {
	var exists bool
	err := s.conn(ctx).GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE short_order_id = $1)", shortOrderID)
	if err != nil {
		return false, fmt.Errorf("failed to check short order id: %w", err)
	}
	return exists, nil
}

func jsonText(v interface{}) (types.JSONText, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return types.JSONText(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
