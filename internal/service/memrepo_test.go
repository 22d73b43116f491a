package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"go.uber.org/zap"
)

// memState is one snapshot of the database. Transactions work on a clone and
// commit by swapping it in, so a failed unit of work leaves no trace.
type memState struct {
	nextID    int64
	products  map[int64]models.Product
	orders    map[int64]models.Order
	items     map[int64]models.OrderItem
	history   []models.StatusHistoryEntry
	tracking  []models.TrackingEvent
	attempts  []models.DeliveryAttempt
	inventory map[int64]models.InventoryItem
	movements []models.StockMovement
	processed map[string]string
}

func newMemState() *memState {
	return &memState{
		products:  map[int64]models.Product{},
		orders:    map[int64]models.Order{},
		items:     map[int64]models.OrderItem{},
		inventory: map[int64]models.InventoryItem{},
		processed: map[string]string{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:    s.nextID,
		products:  make(map[int64]models.Product, len(s.products)),
		orders:    make(map[int64]models.Order, len(s.orders)),
		items:     make(map[int64]models.OrderItem, len(s.items)),
		history:   append([]models.StatusHistoryEntry(nil), s.history...),
		tracking:  append([]models.TrackingEvent(nil), s.tracking...),
		attempts:  append([]models.DeliveryAttempt(nil), s.attempts...),
		inventory: make(map[int64]models.InventoryItem, len(s.inventory)),
		movements: append([]models.StockMovement(nil), s.movements...),
		processed: make(map[string]string, len(s.processed)),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// memRepo implements Repository in memory. Units of work are serialized.
type memRepo struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *memState

	// stockInterference runs before each conditional stock write and may
	// change the stored row, as a concurrent writer would
	stockInterference func(st *memState, itemID int64)
	// orderInterference does the same ahead of each conditional order write
	orderInterference func(st *memState, orderID int64)
	// attemptCollisions makes that many attempt inserts fail as duplicates
	attemptCollisions int
	// failMovementAppend fails every movement insert with this error
	failMovementAppend error
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{st: newMemState()}
}

func (r *memRepo) current() *memState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st
}

func (r *memRepo) autocommit() *memTx {
	return &memTx{repo: r, st: r.current()}
}

func (r *memRepo) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memTx{repo: r, st: r.current().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	r.mu.Lock()
	r.st = tx.st
	r.mu.Unlock()
	return nil
}

// seed mutates the committed state directly; only call before concurrent use
func (r *memRepo) seed(fn func(st *memState)) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	fn(r.st)
}

func (r *memRepo) addProduct(price int64) int64 {
	var id int64
	r.seed(func(st *memState) {
		id = st.id()
		st.products[id] = models.Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id), Name: "product", Price: price}
	})
	return id
}

func (r *memRepo) order(id int64) models.Order {
	return r.current().orders[id]
}

func (r *memRepo) inventoryItem(id int64) models.InventoryItem {
	return r.current().inventory[id]
}

func (r *memRepo) movementsOf(itemID int64) []models.StockMovement {
	var out []models.StockMovement
	for _, m := range r.current().movements {
		if m.InventoryItemID == itemID {
			out = append(out, m)
		}
	}
	return out
}

// Repository reads outside a transaction go straight to the committed state

func (r *memRepo) CreateOrder(ctx context.Context, o *models.Order) error {
	return r.autocommit().CreateOrder(ctx, o)
}
func (r *memRepo) CreateOrderItem(ctx context.Context, i *models.OrderItem) error {
	return r.autocommit().CreateOrderItem(ctx, i)
}
func (r *memRepo) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return r.autocommit().GetOrder(ctx, id)
}
func (r *memRepo) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return r.autocommit().GetOrderByIdempotencyKey(ctx, key)
}
func (r *memRepo) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return r.autocommit().GetOrderItems(ctx, orderID)
}
func (r *memRepo) UpdateOrder(ctx context.Context, o *models.Order) error {
	return r.autocommit().UpdateOrder(ctx, o)
}
func (r *memRepo) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	return r.autocommit().GetProductsByIDs(ctx, ids)
}
func (r *memRepo) AppendStatusHistory(ctx context.Context, e *models.StatusHistoryEntry) error {
	return r.autocommit().AppendStatusHistory(ctx, e)
}
func (r *memRepo) ListStatusHistory(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	return r.autocommit().ListStatusHistory(ctx, orderID)
}
func (r *memRepo) AppendTrackingEvent(ctx context.Context, e *models.TrackingEvent) error {
	return r.autocommit().AppendTrackingEvent(ctx, e)
}
func (r *memRepo) ListTrackingEvents(ctx context.Context, orderID int64) ([]models.TrackingEvent, error) {
	return r.autocommit().ListTrackingEvents(ctx, orderID)
}
func (r *memRepo) AppendDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return r.autocommit().AppendDeliveryAttempt(ctx, a)
}
func (r *memRepo) ListDeliveryAttempts(ctx context.Context, orderID int64) ([]models.DeliveryAttempt, error) {
	return r.autocommit().ListDeliveryAttempts(ctx, orderID)
}
func (r *memRepo) CreateInventoryItem(ctx context.Context, i *models.InventoryItem) error {
	return r.autocommit().CreateInventoryItem(ctx, i)
}
func (r *memRepo) GetInventoryItem(ctx context.Context, id int64) (*models.InventoryItem, error) {
	return r.autocommit().GetInventoryItem(ctx, id)
}
func (r *memRepo) GetInventoryItemByProduct(ctx context.Context, productID int64) (*models.InventoryItem, error) {
	return r.autocommit().GetInventoryItemByProduct(ctx, productID)
}
func (r *memRepo) ListInventoryItems(ctx context.Context) ([]models.InventoryItem, error) {
	return r.autocommit().ListInventoryItems(ctx)
}
func (r *memRepo) UpdateInventoryStock(ctx context.Context, i *models.InventoryItem) error {
	return r.autocommit().UpdateInventoryStock(ctx, i)
}
func (r *memRepo) UpdateInventorySettings(ctx context.Context, i *models.InventoryItem) error {
	return r.autocommit().UpdateInventorySettings(ctx, i)
}
func (r *memRepo) AppendStockMovement(ctx context.Context, m *models.StockMovement) error {
	return r.autocommit().AppendStockMovement(ctx, m)
}
func (r *memRepo) GetStockMovementByKey(ctx context.Context, key string) (*models.StockMovement, error) {
	return r.autocommit().GetStockMovementByKey(ctx, key)
}
func (r *memRepo) ListStockMovements(ctx context.Context, itemID int64) ([]models.StockMovement, error) {
	return r.autocommit().ListStockMovements(ctx, itemID)
}
func (r *memRepo) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return r.autocommit().IsEventProcessed(ctx, eventID)
}
func (r *memRepo) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	return r.autocommit().MarkEventProcessed(ctx, eventID, eventType)
}

// memTx implements store.Queries over one state snapshot
type memTx struct {
	repo *memRepo
	st   *memState
}

func (q *memTx) CreateOrder(_ context.Context, o *models.Order) error {
	for _, existing := range q.st.orders {
		if existing.IdempotencyKey == o.IdempotencyKey || existing.OrderNumber == o.OrderNumber {
			return store.ErrDuplicate
		}
	}
	o.ID = q.st.id()
	o.Version = 1
	o.UpdatedAt = o.CreatedAt
	q.st.orders[o.ID] = *o
	return nil
}

func (q *memTx) CreateOrderItem(_ context.Context, i *models.OrderItem) error {
	i.ID = q.st.id()
	q.st.items[i.ID] = *i
	return nil
}

func (q *memTx) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	o, ok := q.st.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %d not found", id)
	}
	return &o, nil
}

func (q *memTx) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	for _, o := range q.st.orders {
		if o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (q *memTx) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for _, i := range q.st.items {
		if i.OrderID == orderID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (q *memTx) UpdateOrder(_ context.Context, o *models.Order) error {
	if q.repo.orderInterference != nil {
		q.repo.orderInterference(q.st, o.ID)
	}
	stored, ok := q.st.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return store.ErrVersionConflict
	}
	o.Version++
	q.st.orders[o.ID] = *o
	return nil
}

func (q *memTx) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := q.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *memTx) AppendStatusHistory(_ context.Context, e *models.StatusHistoryEntry) error {
	e.ID = q.st.id()
	q.st.history = append(q.st.history, *e)
	return nil
}

func (q *memTx) ListStatusHistory(_ context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	var out []models.StatusHistoryEntry
	for _, e := range q.st.history {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (q *memTx) AppendTrackingEvent(_ context.Context, e *models.TrackingEvent) error {
	e.ID = q.st.id()
	q.st.tracking = append(q.st.tracking, *e)
	return nil
}

func (q *memTx) ListTrackingEvents(_ context.Context, orderID int64) ([]models.TrackingEvent, error) {
	var out []models.TrackingEvent
	for _, e := range q.st.tracking {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].EventTime.Equal(out[b].EventTime) {
			return out[a].EventTime.Before(out[b].EventTime)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (q *memTx) AppendDeliveryAttempt(_ context.Context, a *models.DeliveryAttempt) error {
	if q.repo.attemptCollisions > 0 {
		q.repo.attemptCollisions--
		return store.ErrDuplicate
	}
	max := 0
	for _, existing := range q.st.attempts {
		if existing.OrderID == a.OrderID && existing.AttemptNumber > max {
			max = existing.AttemptNumber
		}
	}
	a.ID = q.st.id()
	a.AttemptNumber = max + 1
	q.st.attempts = append(q.st.attempts, *a)
	return nil
}

func (q *memTx) ListDeliveryAttempts(_ context.Context, orderID int64) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for _, a := range q.st.attempts {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(x, y int) bool { return out[x].AttemptNumber < out[y].AttemptNumber })
	return out, nil
}

func (q *memTx) CreateInventoryItem(_ context.Context, i *models.InventoryItem) error {
	for _, existing := range q.st.inventory {
		if existing.ProductID == i.ProductID {
			return store.ErrDuplicate
		}
	}
	i.ID = q.st.id()
	i.CurrentStock = 0
	i.Version = 1
	i.UpdatedAt = i.CreatedAt
	q.st.inventory[i.ID] = *i
	return nil
}

func (q *memTx) GetInventoryItem(_ context.Context, id int64) (*models.InventoryItem, error) {
	i, ok := q.st.inventory[id]
	if !ok {
		return nil, apperr.NotFound("inventory item %d not found", id)
	}
	return &i, nil
}

func (q *memTx) GetInventoryItemByProduct(_ context.Context, productID int64) (*models.InventoryItem, error) {
	for _, i := range q.st.inventory {
		if i.ProductID == productID {
			i := i
			return &i, nil
		}
	}
	return nil, apperr.NotFound("no inventory item for product %d", productID)
}

func (q *memTx) ListInventoryItems(_ context.Context) ([]models.InventoryItem, error) {
	out := make([]models.InventoryItem, 0, len(q.st.inventory))
	for _, i := range q.st.inventory {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (q *memTx) UpdateInventoryStock(_ context.Context, i *models.InventoryItem) error {
	if q.repo.stockInterference != nil {
		q.repo.stockInterference(q.st, i.ID)
	}
	stored, ok := q.st.inventory[i.ID]
	if !ok || stored.Version != i.Version {
		return store.ErrVersionConflict
	}
	if i.CurrentStock < 0 {
		return fmt.Errorf("check constraint: current_stock >= 0")
	}
	stored.CurrentStock = i.CurrentStock
	stored.UpdatedAt = i.UpdatedAt
	stored.Version++
	q.st.inventory[i.ID] = stored
	i.Version = stored.Version
	return nil
}

func (q *memTx) UpdateInventorySettings(_ context.Context, i *models.InventoryItem) error {
	stored, ok := q.st.inventory[i.ID]
	if !ok || stored.Version != i.Version {
		return store.ErrVersionConflict
	}
	stored.MinimumStockLevel = i.MinimumStockLevel
	stored.MaximumStockLevel = i.MaximumStockLevel
	stored.ReorderQuantity = i.ReorderQuantity
	stored.Location = i.Location
	stored.UpdatedAt = i.UpdatedAt
	stored.Version++
	q.st.inventory[i.ID] = stored
	i.Version = stored.Version
	return nil
}

func (q *memTx) AppendStockMovement(_ context.Context, m *models.StockMovement) error {
	if q.repo.failMovementAppend != nil {
		return q.repo.failMovementAppend
	}
	if m.IdempotencyKey != nil {
		for _, existing := range q.st.movements {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *m.IdempotencyKey {
				return store.ErrDuplicate
			}
		}
	}
	m.ID = q.st.id()
	q.st.movements = append(q.st.movements, *m)
	return nil
}

func (q *memTx) GetStockMovementByKey(_ context.Context, key string) (*models.StockMovement, error) {
	for _, m := range q.st.movements {
		if m.IdempotencyKey != nil && *m.IdempotencyKey == key {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (q *memTx) ListStockMovements(_ context.Context, itemID int64) ([]models.StockMovement, error) {
	var out []models.StockMovement
	for _, m := range q.st.movements {
		if m.InventoryItemID == itemID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *memTx) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := q.st.processed[eventID]
	return ok, nil
}

func (q *memTx) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	q.st.processed[eventID] = eventType
	return nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu        sync.Mutex
	statuses  []*models.OrderStatusChangedEvent
	movements []*models.StockMovementAppliedEvent
	alerts    []*models.StockLevelAlertEvent
	tracking  []*models.TrackingEventRecordedEvent
	attempts  []*models.DeliveryAttemptRecordedEvent
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, e)
	return nil
}

func (p *recordingPublisher) PublishStockMovementApplied(_ context.Context, e *models.StockMovementAppliedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.movements = append(p.movements, e)
	return nil
}

func (p *recordingPublisher) PublishStockLevelAlert(_ context.Context, e *models.StockLevelAlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, e)
	return nil
}

func (p *recordingPublisher) PublishTrackingEventRecorded(_ context.Context, e *models.TrackingEventRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracking = append(p.tracking, e)
	return nil
}

func (p *recordingPublisher) PublishDeliveryAttemptRecorded(_ context.Context, e *models.DeliveryAttemptRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = append(p.attempts, e)
	return nil
}

// memCache is a TimelineCache and StockMirror. beforeSet runs once, ahead of
// the next SetTimeline, to interleave writes with a projection in flight.
type memCache struct {
	mu          sync.Mutex
	timelines   map[int64][]byte
	generations map[int64]int64
	stock       map[int64]models.InventoryItem
	beforeSet   func(orderID int64)
}

func newMemCache() *memCache {
	return &memCache{
		timelines:   map[int64][]byte{},
		generations: map[int64]int64{},
		stock:       map[int64]models.InventoryItem{},
	}
}

func (c *memCache) GetTimeline(_ context.Context, orderID int64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.timelines[orderID]
	return b, ok, nil
}

func (c *memCache) TimelineGeneration(_ context.Context, orderID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[orderID], nil
}

func (c *memCache) SetTimeline(_ context.Context, orderID, generation int64, payload []byte) (bool, error) {
	c.mu.Lock()
	hook := c.beforeSet
	c.beforeSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook(orderID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[orderID] != generation {
		return false, nil
	}
	c.timelines[orderID] = payload
	return true, nil
}

func (c *memCache) InvalidateTimeline(_ context.Context, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[orderID]++
	delete(c.timelines, orderID)
	return nil
}

func (c *memCache) MirrorStock(_ context.Context, item *models.InventoryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.stock[item.ProductID]; ok && cur.Version >= item.Version {
		return nil
	}
	c.stock[item.ProductID] = *item
	return nil
}

// memLocker is a Locker whose keys can be pre-held
type memLocker struct {
	mu    sync.Mutex
	owner map[string]string
}

func (l *memLocker) AcquireLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owner[key]; held {
		return false, nil
	}
	l.owner[key] = token
	return true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[key] == token {
		delete(l.owner, key)
	}
	return nil
}

// testClock advances one minute per reading so history order is deterministic
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Minute)
	return c.cur
}

type fixture struct {
	coord  *Coordinator
	repo   *memRepo
	pub    *recordingPublisher
	cache  *memCache
	locker *memLocker
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newMemRepo(),
		pub:    &recordingPublisher{},
		cache:  newMemCache(),
		locker: &memLocker{owner: map[string]string{}},
	}
	clock := &testClock{cur: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.coord = NewCoordinator(Deps{
		Repo:      f.repo,
		Publisher: f.pub,
		Cache:     f.cache,
		Mirror:    f.cache,
		Locker:    f.locker,
		Policy:    policy,
		Logger:    zap.NewNop(),
		Now:       clock.Now,
	})
	return f
}

// stockedProduct creates a product with an inventory item holding stock units
func (f *fixture) stockedProduct(t *testing.T, price int64, stock, minimum int) (productID, itemID int64) {
	t.Helper()
	productID = f.repo.addProduct(price)
	view, err := f.coord.Ledger().CreateItem(context.Background(), CreateItemRequest{
		ProductID:    productID,
		InitialStock: stock,
		InventorySettings: models.InventorySettings{
			MinimumStockLevel: minimum,
			ReorderQuantity:   10,
		},
		Actor: "test",
	})
	if err != nil {
		t.Fatalf("create inventory item: %v", err)
	}
	return productID, view.ID
}

type seedLine struct {
	productID int64
	quantity  int
}

// seedOrder writes an order directly in status with a history entry for it
func (f *fixture) seedOrder(status models.OrderStatus, payment models.PaymentStatus, lines ...seedLine) int64 {
	var orderID int64
	f.repo.seed(func(st *memState) {
		created := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
		orderID = st.id()
		st.orders[orderID] = models.Order{
			ID:             orderID,
			OrderNumber:    fmt.Sprintf("ORD-%d", orderID),
			UserID:         7,
			Status:         status,
			PaymentStatus:  payment,
			IdempotencyKey: fmt.Sprintf("seed-%d", orderID),
			Version:        1,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
		for _, l := range lines {
			id := st.id()
			price := st.products[l.productID].Price
			st.items[id] = models.OrderItem{
				ID: id, OrderID: orderID, ProductID: l.productID,
				Quantity: l.quantity, UnitPrice: price, LineTotal: price * int64(l.quantity),
			}
		}
		st.history = append(st.history, models.StatusHistoryEntry{
			ID: st.id(), OrderID: orderID, Status: status, Actor: "seed", CreatedAt: created,
		})
	})
	return orderID
}
