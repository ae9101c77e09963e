package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/khalti"
	"order-core/internal/models"
	"order-core/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory implementation of every repository port. RunInTx
// snapshots state and restores it when fn fails, like a rolled back database
// transaction. Counters live outside the snapshot, as they do in Postgres.
type memStore struct {
	mu sync.Mutex

	orders   map[int64]*models.Order
	variants map[int64]*models.Variant
	carts    map[int64][]models.CartLine
	users    map[int64]*models.User
	counters map[string]int64

	nextOrderID   int64
	nextItemID    int64
	nextHistoryID int64
	inTx          bool

	clearCartErr error
	updateErr    error
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[int64]*models.Order),
		variants: make(map[int64]*models.Variant),
		carts:    make(map[int64][]models.CartLine),
		users:    make(map[int64]*models.User),
		counters: make(map[string]int64),
	}
}

type memSnapshot struct {
	orders        map[int64]*models.Order
	variants      map[int64]models.Variant
	carts         map[int64][]models.CartLine
	nextOrderID   int64
	nextItemID    int64
	nextHistoryID int64
}

func (m *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		orders:        make(map[int64]*models.Order, len(m.orders)),
		variants:      make(map[int64]models.Variant, len(m.variants)),
		carts:         make(map[int64][]models.CartLine, len(m.carts)),
		nextOrderID:   m.nextOrderID,
		nextItemID:    m.nextItemID,
		nextHistoryID: m.nextHistoryID,
	}
	for id, o := range m.orders {
		snap.orders[id] = cloneOrder(o)
	}
	for id, v := range m.variants {
		snap.variants[id] = *v
	}
	for id, lines := range m.carts {
		snap.carts[id] = append([]models.CartLine(nil), lines...)
	}
	return snap
}

func (m *memStore) restore(snap memSnapshot) {
	m.orders = snap.orders
	m.variants = make(map[int64]*models.Variant, len(snap.variants))
	for id, v := range snap.variants {
		v := v
		m.variants[id] = &v
	}
	m.carts = snap.carts
	m.nextOrderID = snap.nextOrderID
	m.nextItemID = snap.nextItemID
	m.nextHistoryID = snap.nextHistoryID
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		return fn(ctx)
	}
	m.inTx = true
	snap := m.snapshot()
	m.mu.Unlock()

	err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = false
	if err != nil {
		m.restore(snap)
	}
	return err
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	c.StatusHistory = append([]models.StatusHistoryEntry(nil), o.StatusHistory...)
	if o.CODDetails != nil {
		cod := *o.CODDetails
		c.CODDetails = &cod
	}
	if o.Workflow != nil {
		raw, err := models.MarshalWorkflow(o.Workflow)
		if err != nil {
			panic(err)
		}
		c.Workflow, err = models.UnmarshalWorkflow(raw)
		if err != nil {
			panic(err)
		}
	}
	return &c
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOrderID++
	order.ID = m.nextOrderID
	for i := range order.Items {
		m.nextItemID++
		order.Items[i].ID = m.nextItemID
		order.Items[i].OrderID = order.ID
	}
	m.stampHistory(order)
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.orders[order.ID]; !ok {
		return apperror.NotFound("order %d not found", order.ID)
	}
	m.stampHistory(order)
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memStore) stampHistory(order *models.Order) {
	for i := range order.StatusHistory {
		if order.StatusHistory[i].ID == 0 {
			m.nextHistoryID++
			order.StatusHistory[i].ID = m.nextHistoryID
			order.StatusHistory[i].OrderID = order.ID
		}
	}
}

func (m *memStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperror.NotFound("order %d not found", id)
	}
	return cloneOrder(o), nil
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *memStore) GetOrderByPidxForUpdate(ctx context.Context, pidx string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.PaymentDetails.Pidx == pidx {
			return cloneOrder(o), nil
		}
	}
	return nil, apperror.NotFound("no order for payment %s", pidx)
}

func (m *memStore) ListOrdersByUser(ctx context.Context, userID int64, filter models.OrderFilter) ([]*models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Order
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		if filter.Status != "" && o.OrderStatus != filter.Status {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	limit, offset := filter.Window()
	total := len(matched)
	if offset >= total {
		return []*models.Order{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *memStore) ShortOrderIDExists(ctx context.Context, shortOrderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.ShortOrderID == shortOrderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetVariant(ctx context.Context, id int64) (*models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.variants[id]
	if !ok {
		return nil, apperror.NotFound("variant %d not found", id)
	}
	c := *v
	return &c, nil
}

func (m *memStore) AdjustStock(ctx context.Context, variantID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.variants[variantID]
	if !ok {
		return apperror.NotFound("variant %d not found", variantID)
	}
	if v.Stock+delta < 0 {
		return apperror.Validation("insufficient stock for variant %d", variantID)
	}
	v.Stock += delta
	return nil
}

func (m *memStore) GetCart(ctx context.Context, userID int64) ([]models.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CartLine(nil), m.carts[userID]...), nil
}

func (m *memStore) ClearCart(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clearCartErr != nil {
		return m.clearCartErr
	}
	delete(m.carts, userID)
	return nil
}

func (m *memStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperror.NotFound("user %d not found", id)
	}
	c := *u
	return &c, nil
}

func (m *memStore) NextSequence(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key]++
	return m.counters[key], nil
}

// seed helpers

func (m *memStore) addVariant(id, productID int64, price string, sale string, stock int) {
	v := &models.Variant{
		ID:          id,
		ProductID:   productID,
		ProductName: fmt.Sprintf("Product %d", productID),
		SKU:         fmt.Sprintf("SKU-%d", id),
		Size:        "M",
		Price:       decimal.RequireFromString(price),
		Stock:       stock,
		Status:      models.VariantActive,
	}
	if sale != "" {
		v.SalePrice = decimal.NewNullDecimal(decimal.RequireFromString(sale))
	}
	m.variants[id] = v
}

func (m *memStore) addToCart(userID, variantID int64, qty int) {
	v := m.variants[variantID]
	m.carts[userID] = append(m.carts[userID], models.CartLine{
		ID:        int64(len(m.carts[userID]) + 1),
		UserID:    userID,
		ProductID: v.ProductID,
		VariantID: variantID,
		Quantity:  qty,
	})
}

func (m *memStore) stock(variantID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[variantID].Stock
}

func (m *memStore) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := m.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

// collaborators

type stubNotifier struct {
	sent []models.Notification
	err  error
}

func (n *stubNotifier) Send(ctx context.Context, msg models.Notification) error {
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *stubNotifier) kinds() []models.NotificationKind {
	out := make([]models.NotificationKind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

type stubEvents struct {
	events []interface{}
	err    error
}

func (e *stubEvents) Publish(ctx context.Context, key string, event interface{}) error {
	e.events = append(e.events, event)
	return e.err
}

type stubLocker struct {
	held     map[string]string
	released []string
}

func (l *stubLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := fmt.Sprintf("token-%d", len(l.held)+1)
	l.held[key] = token
	return token, true, nil
}

func (l *stubLocker) ReleaseLock(ctx context.Context, key, token string) error {
	if l.held[key] == token {
		delete(l.held, key)
	}
	l.released = append(l.released, key)
	return nil
}

type stubIdempotency struct {
	keys map[string]int64
}

func (s *stubIdempotency) GetIdempotentOrder(ctx context.Context, key string) (int64, bool, error) {
	id, ok := s.keys[key]
	return id, ok, nil
}

func (s *stubIdempotency) SaveIdempotentOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	if s.keys == nil {
		s.keys = make(map[string]int64)
	}
	s.keys[key] = orderID
	return nil
}

type stubGateway struct {
	initiateFn func(req khalti.InitiateRequest) (*khalti.InitiateResponse, error)
	lookupFn   func(pidx string) (*khalti.LookupResponse, error)
	refundFn   func(req khalti.RefundRequest) (*khalti.RefundResponse, error)
}

func (g *stubGateway) Initiate(ctx context.Context, req khalti.InitiateRequest) (*khalti.InitiateResponse, error) {
	return g.initiateFn(req)
}

func (g *stubGateway) Lookup(ctx context.Context, pidx string) (*khalti.LookupResponse, error) {
	return g.lookupFn(pidx)
}

func (g *stubGateway) Refund(ctx context.Context, req khalti.RefundRequest) (*khalti.RefundResponse, error) {
	return g.refundFn(req)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// harness

const (
	testUserID  int64 = 7
	testAdminID int64 = 1
)

type harness struct {
	svc      *OrderService
	store    *memStore
	notifier *stubNotifier
	events   *stubEvents
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	util.SetLogger(zap.NewNop())

	store := newMemStore()
	store.users[testUserID] = &models.User{ID: testUserID, Name: "Sita Sharma", Email: "sita@example.com", Phone: "9800000000", Role: "user"}
	store.users[testAdminID] = &models.User{ID: testAdminID, Name: "Admin", Email: "admin@example.com", Role: "admin"}

	h := &harness{
		store:    store,
		notifier: &stubNotifier{},
		events:   &stubEvents{},
		clock:    &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = NewOrderService(OrderServiceDeps{
		Orders:   store,
		Catalog:  store,
		Carts:    store,
		Users:    store,
		Counters: store,
		Tx:       store,
		Notifier: h.notifier,
		Events:   h.events,
		Pricing: PricingConfig{
			TaxRate:               decimal.RequireFromString("0.13"),
			FreeShippingThreshold: decimal.NewFromInt(2000),
			FlatShippingCost:      decimal.NewFromInt(200),
		},
		Policy: PolicyDefaults{
			CODLimit:           decimal.NewFromInt(5000),
			ReturnWindowDays:   7,
			ExchangeWindowDays: 7,
			OrderPrefix:        "ORD",
			ExchangePrefix:     "EXCH",
			CheckoutLockTTL:    30 * time.Second,
			IdempotencyTTL:     24 * time.Hour,
		},
		Clock: h.clock.Now,
	})
	return h
}

func testAddress() models.Address {
	return models.Address{
		FullName:      "Sita Sharma",
		Phone:         "9800000000",
		StreetAddress: "Lazimpat 12",
		City:          "Kathmandu",
	}
}

func (h *harness) checkout(t *testing.T, method models.PaymentMethod) *models.Order {
	t.Helper()
	order, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   method,
	})
	require.NoError(t, err)
	return order
}

// deliveredOrder places an order for variant 1 and walks it to delivered
func (h *harness) deliveredOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	h.store.addToCart(testUserID, 1, qty)
	order := h.checkout(t, models.PaymentKhalti)

	ctx := context.Background()
	for _, s := range []models.OrderStatus{models.StatusConfirmed, models.StatusProcessing, models.StatusShipped, models.StatusDelivered} {
		var err error
		order, err = h.svc.UpdateOrderStatus(ctx, order.ID, testAdminID, s, "", true)
		require.NoError(t, err)
	}
	return order
}
