package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

// fakeBroker keeps a single order book in memory. fillWhen decides, on each
// status query, whether the current working price fills.
type fakeBroker struct {
	mu sync.Mutex

	quote      *broker.CompositeQuote
	quoteErr   error
	placeErr   error
	modifyErr  error
	cancelErr  error
	statusErr  error
	fillWhen   func(price float64, statusCalls int) bool
	states     []broker.OrderState // scripted states for guard tests, consumed per status call
	fillOnStop bool                // order reports filled once cancel was requested
	execQty    int                 // contracts reported executed on an unfilled order

	placed      []broker.OrderRequest
	modified    []float64
	cancels     int
	statusCalls int
	price       float64
	state       broker.OrderState
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		quote: &broker.CompositeQuote{Bid: 33.0, Ask: 34.0, Mid: 33.5},
		state: broker.OrderWorking,
	}
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	f.price = req.Price
	f.state = broker.OrderWorking
	return "9001", nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.modified = append(f.modified, price)
	f.price = price
	return nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if f.fillOnStop {
		f.state = broker.OrderFilled
		return nil
	}
	if f.state == broker.OrderWorking {
		f.state = broker.OrderCancelled
	}
	return nil
}

func (f *fakeBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.states) > 0 {
		st := f.states[0]
		f.states = f.states[1:]
		return &broker.OrderStatus{ID: orderID, State: st, RawStatus: string(st), FillPrice: f.price, ExecQuantity: f.execQty}, nil
	}
	if f.state == broker.OrderWorking && f.fillWhen != nil && f.fillWhen(f.price, f.statusCalls) {
		f.state = broker.OrderFilled
	}
	st := &broker.OrderStatus{ID: orderID, State: f.state, RawStatus: string(f.state), Price: f.price}
	if f.state == broker.OrderFilled {
		st.FillPrice = f.price
	} else if f.execQty > 0 {
		st.ExecQuantity = f.execQty
		st.FillPrice = f.price
	}
	return st, nil
}

func (f *fakeBroker) GetOpenOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	return nil, nil
}

func (f *fakeBroker) GetQuote(ctx context.Context, legs []models.Leg) (*broker.CompositeQuote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeBroker) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("not used")
}

func (f *fakeBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return nil, errors.New("not used")
}

func (f *fakeBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	return nil, errors.New("not used")
}

func (f *fakeBroker) snapshot() (placed int, modified []float64, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed), append([]float64(nil), f.modified...), f.cancels
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testLegs() []models.Leg {
	return []models.Leg{
		{Symbol: "SPXW250321P05600000", Side: models.SideBuyToClose, Ratio: 1},
		{Symbol: "SPXW250328P05600000", Side: models.SideSellToClose, Ratio: 1},
		{Symbol: "SPXW250321C06000000", Side: models.SideBuyToClose, Ratio: 1},
		{Symbol: "SPXW250328C06000000", Side: models.SideSellToClose, Ratio: 1},
	}
}
