package execution

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/notify"
	"github.com/eddiefleurent/spx_calendar/internal/orders"
	"github.com/eddiefleurent/spx_calendar/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeOrder struct {
	req       broker.OrderRequest
	state     broker.OrderState
	price     float64
	fillPrice float64
	cancels   int
}

// fakeBroker is a tiny order book. Entry and exit orders fill when their
// fill policy accepts the working price; profit targets rest until cancelled.
type fakeBroker struct {
	mu sync.Mutex

	entryFill func(price float64) bool // nil never fills
	exitFill  func(price float64) bool
	ptStuck   bool // profit target ignores cancel requests
	ptFilled  bool // profit target reports filled
	ptErr     error
	open      []broker.OrderStatus
	openErr   error

	// contracts reported executed on entry or exit orders that never fill
	entryPartial int
	exitPartial  int

	calls  int
	nextID int
	orders map[string]*fakeOrder
	ids    []string
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{orders: make(map[string]*fakeOrder)}
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.ptErr != nil && strings.HasPrefix(req.Tag, ptTagPrefix) {
		return "", f.ptErr
	}
	f.nextID++
	id := strconv.Itoa(1000 + f.nextID)
	f.orders[id] = &fakeOrder{req: req, state: broker.OrderWorking, price: req.Price}
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	o, ok := f.orders[orderID]
	if !ok || o.state != broker.OrderWorking {
		return &broker.APIError{Status: 400, Body: "order not open"}
	}
	o.price = price
	return nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	o, ok := f.orders[orderID]
	if !ok {
		return &broker.APIError{Status: 404, Body: "not found"}
	}
	o.cancels++
	if o.state != broker.OrderWorking {
		return &broker.APIError{Status: 400, Body: "order not open"}
	}
	if strings.HasPrefix(o.req.Tag, ptTagPrefix) && (f.ptStuck || f.ptFilled) {
		return nil
	}
	o.state = broker.OrderCancelled
	return nil
}

func (f *fakeBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	o, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	if o.state == broker.OrderWorking {
		var fill func(float64) bool
		switch {
		case strings.HasPrefix(o.req.Tag, EntryTagPrefix):
			fill = f.entryFill
		case strings.HasPrefix(o.req.Tag, exitTagPrefix):
			fill = f.exitFill
		case strings.HasPrefix(o.req.Tag, ptTagPrefix) && f.ptFilled:
			fill = func(float64) bool { return true }
		}
		if fill != nil && fill(o.price) {
			o.state = broker.OrderFilled
			o.fillPrice = o.price
		}
	}
	st := &broker.OrderStatus{
		ID:        orderID,
		State:     o.state,
		RawStatus: string(o.state),
		Tag:       o.req.Tag,
		Price:     o.price,
		FillPrice: o.fillPrice,
	}
	if o.state != broker.OrderFilled {
		switch {
		case strings.HasPrefix(o.req.Tag, EntryTagPrefix):
			st.ExecQuantity = f.entryPartial
		case strings.HasPrefix(o.req.Tag, exitTagPrefix):
			st.ExecQuantity = f.exitPartial
		}
		if st.ExecQuantity > 0 {
			st.FillPrice = o.price
		}
	}
	return st, nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]broker.OrderStatus(nil), f.open...), f.openErr
}

// GetQuote prices the opening legs at a 20.00 debit and the closing legs at a 22.00 credit.
func (f *fakeBroker) GetQuote(ctx context.Context, legs []models.Leg) (*broker.CompositeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(legs) > 0 && (legs[0].Side == models.SideBuyToClose || legs[0].Side == models.SideSellToClose) {
		return &broker.CompositeQuote{Bid: -22.5, Ask: -21.5, Mid: -22}, nil
	}
	return &broker.CompositeQuote{Bid: 19.5, Ask: 20.5, Mid: 20}, nil
}

func (f *fakeBroker) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 5600, nil
}

func (f *fakeBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, nil
}

func (f *fakeBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, nil
}

func (f *fakeBroker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// placed returns the requests whose tag starts with prefix, in order.
func (f *fakeBroker) placed(prefix string) []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.OrderRequest
	for _, id := range f.ids {
		if r := f.orders[id].req; strings.HasPrefix(r.Tag, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBroker) order(id string) fakeOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

func (f *fakeBroker) setState(id string, st broker.OrderState, fill float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id].state = st
	f.orders[id].fillPrice = fill
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
	hook  func()
}

func (r *fakeResolver) Resolve(ctx context.Context) (*models.ResolvedContracts, error) {
	r.mu.Lock()
	r.calls++
	hook, err := r.hook, r.err
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &models.ResolvedContracts{
		ShortExpiration: "2025-03-24",
		LongExpiration:  "2025-03-31",
		PutStrike:       5500,
		CallStrike:      5700,
		UnderlyingPrice: 5600,
		Legs:            testLegs(),
	}, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testLegs() []models.Leg {
	return []models.Leg{
		{Symbol: "SPXW250324P05500000", Side: models.SideSellToOpen, Ratio: 1, OptionType: "put", Strike: 5500, Expiration: "2025-03-24"},
		{Symbol: "SPXW250324C05700000", Side: models.SideSellToOpen, Ratio: 1, OptionType: "call", Strike: 5700, Expiration: "2025-03-24"},
		{Symbol: "SPXW250331P05500000", Side: models.SideBuyToOpen, Ratio: 1, OptionType: "put", Strike: 5500, Expiration: "2025-03-31"},
		{Symbol: "SPXW250331C05700000", Side: models.SideBuyToOpen, Ratio: 1, OptionType: "call", Strike: 5700, Expiration: "2025-03-31"},
	}
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, severity notify.Severity, message string) error {
	args := m.Called(ctx, severity, message)
	return args.Error(0)
}

func containing(sub string) interface{} {
	return mock.MatchedBy(func(msg string) bool { return strings.Contains(msg, sub) })
}

type harness struct {
	ex       *Executor
	broker   *fakeBroker
	store    *storage.MockStorage
	resolver *fakeResolver
	notifier *mockNotifier
	now      time.Time
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		broker:   newFakeBroker(),
		store:    storage.NewMockStorage(),
		resolver: &fakeResolver{},
		notifier: &mockNotifier{},
		now:      time.Date(2025, 3, 3, 14, 45, 0, 0, time.UTC),
	}
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	steps := models.StepSchedule{Base: 0.05, Escalated: 0.10, Threshold: 1}
	cfg := Config{
		Location:               time.UTC,
		Symbol:                 "SPX",
		Quantity:               1,
		MaxConcurrentPositions: 1,
		ExitDay:                7,
		ProfitTargetPct:        0.25,
		ProfitTargetTick:       0.10,
		TickSize:               0.05,
		CallTimeout:            time.Second,
		Entry:                  FillSettings{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond, Steps: steps},
		Exit:                   FillSettings{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond, Steps: steps},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	engineCfg := orders.Config{PollInterval: time.Millisecond, CallTimeout: time.Second, Duration: "day"}
	ex, err := NewExecutor(Deps{
		Broker:      h.broker,
		Storage:     h.store,
		Resolver:    h.resolver,
		EntryEngine: orders.NewEngine(h.broker, quietLogger(), engineCfg),
		ExitEngine:  orders.NewEngine(h.broker, quietLogger(), engineCfg),
		Guard:       orders.NewExitGuard(h.broker, quietLogger(), orders.GuardConfig{MaxAttempts: 3, Wait: time.Millisecond}),
		Notifier:    h.notifier,
		Logger:      quietLogger(),
	}, cfg)
	require.NoError(t, err)

	ex.now = func() time.Time { return h.now }
	n := 0
	ex.newID = func() string {
		n++
		return "trade" + strconv.Itoa(n) + "-0000-0000"
	}
	h.ex = ex
	return h
}

// seedTrade stores an open trade directly.
func (h *harness) seedTrade(t *testing.T, id string, status models.TradeStatus, enteredDaysAgo int) *models.Trade {
	t.Helper()
	entered := h.now.AddDate(0, 0, -enteredDaysAgo)
	tr := &models.Trade{
		ID:         id,
		TradeDate:  entered.Format(dayLayout),
		Symbol:     "SPX",
		Status:     status,
		Legs:       testLegs(),
		EntryPrice: 20,
		Quantity:   1,
		EnteredAt:  entered,
	}
	require.NoError(t, h.store.SaveTrade(context.Background(), tr))
	return tr
}

// enter runs a filling entry and returns the stored trade.
func (h *harness) enter(t *testing.T) *models.Trade {
	t.Helper()
	h.broker.entryFill = func(float64) bool { return true }
	res := h.ex.AttemptEntry(context.Background(), "test")
	require.Equal(t, StatusExecuted, res.Status, res.Reason)
	tr, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	return tr
}
