// Package retry retries transient broker failures with jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Timeout:        30 * time.Second,
}

type Client struct {
	logger logrus.FieldLogger
	config Config
}

func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Validate and clamp config values
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		logger: logger.WithField("component", "retry"),
		config: cfg,
	}
}

// Do runs fn until it succeeds, fails permanently, or retries run out.
// Only use it for idempotent operations.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}

		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).Info("succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Warn("transient error, retrying")

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			t.Stop()
			if ctx.Err() != nil {
				return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
			}
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsPermanentError(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Broker retries idempotent reads of the wrapped broker. Order-mutating calls
// pass straight through: replaying a place or modify could double an order.
type Broker struct {
	broker.Broker
	client *Client
}

// NewBroker wraps b so read calls are retried by client.
func NewBroker(b broker.Broker, client *Client) *Broker {
	return &Broker{Broker: b, client: client}
}

var _ broker.Broker = (*Broker)(nil)

func (r *Broker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	var out *broker.OrderStatus
	err := r.client.Do(ctx, "get order status", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetOrderStatus(ctx, orderID)
		return err
	})
	return out, err
}

func (r *Broker) GetOpenOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	var out []broker.OrderStatus
	err := r.client.Do(ctx, "get open orders", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetOpenOrders(ctx)
		return err
	})
	return out, err
}

func (r *Broker) GetQuote(ctx context.Context, legs []models.Leg) (*broker.CompositeQuote, error) {
	var out *broker.CompositeQuote
	err := r.client.Do(ctx, "get quote", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetQuote(ctx, legs)
		return err
	})
	return out, err
}

func (r *Broker) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.client.Do(ctx, "get underlying price", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetUnderlyingPrice(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Broker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	var out []string
	err := r.client.Do(ctx, "get expirations", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetExpirations(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Broker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	var out []broker.Option
	err := r.client.Do(ctx, "get option chain", func(ctx context.Context) error {
		var err error
		out, err = r.Broker.GetOptionChain(ctx, symbol, expiration, withGreeks)
		return err
	})
	return out, err
}
