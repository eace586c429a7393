package broker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// OrderState is the normalized broker order state.
type OrderState string

const (
	OrderWorking   OrderState = "working"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderUnknown   OrderState = "unknown"
)

// OrderRequest describes a multileg limit order.
type OrderRequest struct {
	Symbol    string // underlying, e.g. SPX
	Legs      []models.Leg
	PriceType models.PriceType
	Quantity  int
	Price     float64
	Duration  string // day | gtc
	Tag       string
}

// OrderStatus is a fresh snapshot of one order. FillPrice is the average
// price of the ExecQuantity contracts executed so far.
type OrderStatus struct {
	ID           string
	State        OrderState
	RawStatus    string
	Tag          string
	FillPrice    float64
	Price        float64
	ExecQuantity int
}

// CompositeQuote is the net market for a set of legs.
// Positive values are debits (paid), negative values credits.
type CompositeQuote struct {
	Bid float64
	Ask float64
	Mid float64
}

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Order lifecycle
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, price float64) error
	CancelOrder(ctx context.Context, orderID string) error
	// GetOrderStatus always performs a round trip to the broker.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	GetOpenOrders(ctx context.Context) ([]OrderStatus, error)

	// Market data
	GetQuote(ctx context.Context, legs []models.Leg) (*CompositeQuote, error)
	GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
}

// isPermanentAPIError checks if an error is a client-side API error that retries cannot fix
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Consider 4xx errors as permanent (except 429 Too Many Requests which is retryable)
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// IsPermanentError reports whether err is a non-retryable broker rejection.
func IsPermanentError(err error) bool {
	return isPermanentAPIError(err)
}

// GetOptionByStrike finds an option with a specific strike price
func GetOptionByStrike(options []Option, strike float64, optionType OptionType) *Option {
	for i := range options {
		if math.Abs(options[i].Strike-strike) <= StrikeMatchEpsilon && options[i].OptionType == string(optionType) {
			return &options[i]
		}
	}
	return nil
}

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure implementations satisfy Broker at compile time.
var (
	_ Broker = (*TradierAPI)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, DefaultCircuitBreakerSettings)
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger logrus.FieldLogger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// A rejected order says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentAPIError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// ModifyOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ModifyOrder(ctx context.Context, orderID string, price float64) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.ModifyOrder(ctx, orderID, price)
	})
	return err
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// GetOpenOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderStatus, error) {
		return b.GetOpenOrders(ctx)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, legs []models.Leg) (*CompositeQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*CompositeQuote, error) {
		return b.GetQuote(ctx, legs)
	})
}

// GetUnderlyingPrice wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetUnderlyingPrice(ctx, symbol)
	})
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}
