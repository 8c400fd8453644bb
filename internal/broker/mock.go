package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is an in-memory Broker for tests. Orders are accepted
// immediately; tests drive fills and inject failures explicitly.
type MockBroker struct {
	mu     sync.Mutex
	orders map[string]*Order
	byClientID map[string]string
	legs   map[string][]string // entry order ID -> child order IDs
	nextID int

	positions []Position
	account   Account

	// Error injection, consumed per call site.
	SubmitErr  error
	CancelErr  error
	ReplaceErr error

	ReplaceCalls int
	CancelCalls  int
	SubmitCalls  int
}

// NewMockBroker creates an empty mock with a funded account.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		orders:     make(map[string]*Order),
		byClientID: make(map[string]string),
		legs:       make(map[string][]string),
		account:    Account{ID: "mock", BuyingPower: 100000, Cash: 100000, Equity: 100000},
	}
}

func (m *MockBroker) newOrderLocked(symbol string, side Side, typ OrderType, qty int, clientID string) *Order {
	m.nextID++
	o := &Order{
		ID:            fmt.Sprintf("ord-%d", m.nextID),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Qty:           qty,
		Status:        StatusAccepted,
		CreatedAt:     time.Now(),
	}
	m.orders[o.ID] = o
	if clientID != "" {
		m.byClientID[clientID] = o.ID
	}
	return o
}

func (m *MockBroker) SubmitBracket(ctx context.Context, req BracketRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls++
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.SubmitErr = nil
		return Order{}, err
	}
	if req.ClientOrderID != "" {
		if _, dup := m.byClientID[req.ClientOrderID]; dup {
			return Order{}, &Error{Kind: KindDuplicateClientOrderID, Status: 422, Message: "client_order_id must be unique"}
		}
	}

	entry := m.newOrderLocked(req.Symbol, req.Side, TypeMarket, req.Qty, req.ClientOrderID)
	stop := m.newOrderLocked(req.Symbol, req.Side.Opposite(), TypeStop, req.Qty, "")
	stop.StopPrice = req.StopPrice
	stop.Status = StatusHeld
	target := m.newOrderLocked(req.Symbol, req.Side.Opposite(), TypeLimit, req.Qty, "")
	target.LimitPrice = req.TargetPrice
	target.Status = StatusHeld
	m.legs[entry.ID] = []string{stop.ID, target.ID}

	return *entry, nil
}

func (m *MockBroker) SubmitTrailingStop(ctx context.Context, req TrailingStopRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls++
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.SubmitErr = nil
		return Order{}, err
	}
	o := m.newOrderLocked(req.Symbol, req.Side, TypeTrailingStop, req.Qty, req.ClientOrderID)
	o.TrailAmount = req.TrailAmount
	return *o, nil
}

func (m *MockBroker) SubmitMarket(ctx context.Context, req MarketRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls++
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.SubmitErr = nil
		return Order{}, err
	}
	return *m.newOrderLocked(req.Symbol, req.Side, TypeMarket, req.Qty, req.ClientOrderID), nil
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, &Error{Kind: KindRejected, Status: 404, Message: "order not found"}
	}
	cp := *o
	for _, legID := range m.legs[orderID] {
		if leg, ok := m.orders[legID]; ok {
			cp.Legs = append(cp.Legs, *leg)
		}
	}
	return cp, nil
}

func (m *MockBroker) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if m.CancelErr != nil {
		err := m.CancelErr
		m.CancelErr = nil
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil // idempotent: unknown is as good as canceled
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = StatusCanceled
	return nil
}

func (m *MockBroker) ReplaceStop(ctx context.Context, stopOrderID string, newStopPrice float64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplaceCalls++
	if m.ReplaceErr != nil {
		err := m.ReplaceErr
		m.ReplaceErr = nil
		return Order{}, err
	}
	o, ok := m.orders[stopOrderID]
	if !ok {
		return Order{}, &Error{Kind: KindRejected, Status: 404, Message: "order not found"}
	}
	if o.Status.Terminal() {
		return Order{}, &Error{Kind: KindAlreadyTerminal, Status: 422, Message: "order already in terminal state"}
	}

	o.Status = StatusCanceled
	replacement := m.newOrderLocked(o.Symbol, o.Side, TypeStop, o.Qty-o.FilledQty, "")
	replacement.StopPrice = newStopPrice
	return *replacement, nil
}

func (m *MockBroker) ChildrenOf(ctx context.Context, entryOrderID string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, legID := range m.legs[entryOrderID] {
		if leg, ok := m.orders[legID]; ok {
			out = append(out, *leg)
		}
	}
	return out, nil
}

func (m *MockBroker) Positions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *MockBroker) GetAccount(ctx context.Context) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, nil
}

// Fill marks an order filled at the given price and activates held legs.
func (m *MockBroker) Fill(orderID string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	now := time.Now()
	o.Status = StatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPx = price
	o.FilledAt = &now
	for _, legID := range m.legs[orderID] {
		if leg, ok := m.orders[legID]; ok && leg.Status == StatusHeld {
			leg.Status = StatusNew
		}
	}
}

// SetOrderStatus forces an order status, for driving leg fills and rejects.
func (m *MockBroker) SetOrderStatus(orderID string, status OrderStatus, fillPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return
	}
	o.Status = status
	if status == StatusFilled {
		now := time.Now()
		o.FilledQty = o.Qty
		o.FilledAvgPx = fillPrice
		o.FilledAt = &now
	}
}

// SetPositions seeds the broker position list.
func (m *MockBroker) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetAccount seeds the account snapshot.
func (m *MockBroker) SetAccount(acct Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = acct
}

// Order returns a copy of an order by ID for assertions.
func (m *MockBroker) Order(orderID string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// LegIDs returns the child order IDs of an entry.
func (m *MockBroker) LegIDs(entryOrderID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.legs[entryOrderID]))
	copy(out, m.legs[entryOrderID])
	return out
}
