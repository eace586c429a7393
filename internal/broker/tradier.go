// Package broker provides trading API clients for executing multileg options orders.
// It includes the Tradier API client implementation used for SPX double calendars.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StrikeMatchEpsilon defines the precision tolerance for matching strike prices
const StrikeMatchEpsilon = 1e-3

// ErrNoQuote is returned when the broker has no quote for a requested symbol.
var ErrNoQuote = errors.New("no quote available")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// endpointClass selects the rate limiter for a request.
type endpointClass int

const (
	classMarketData endpointClass = iota
	classTrading
	classStandard
)

// TradierAPI is a context-aware Tradier REST client.
type TradierAPI struct {
	client     *http.Client
	logger     logrus.FieldLogger
	limiters   map[endpointClass]*rate.Limiter
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	sandbox    bool
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURLAndClient(apiKey, accountID, sandbox, "", nil)
}

// NewTradierAPIWithBaseURLAndClient creates a new TradierAPI client with optional custom baseURL, client, and rate limits
func NewTradierAPIWithBaseURLAndClient(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	client *http.Client,
	customLimits ...RateLimits,
) *TradierAPI {
	var limits RateLimits

	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	// Use custom limits if provided, otherwise use defaults based on sandbox mode
	var providedLimits RateLimits
	if len(customLimits) > 0 {
		providedLimits = customLimits[0]
	}

	if providedLimits.MarketData > 0 || providedLimits.Trading > 0 || providedLimits.Standard > 0 {
		limits = providedLimits
	} else if sandbox {
		limits = RateLimits{
			MarketData: 120,
			Trading:    60,
			Standard:   120,
		}
	} else {
		limits = RateLimits{
			MarketData: 500,
			Trading:    500,
			Standard:   500,
		}
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TradierAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     client,
		sandbox:    sandbox,
		rateLimits: limits,
		logger:     logrus.StandardLogger(),
		limiters: map[endpointClass]*rate.Limiter{
			classMarketData: newPerMinuteLimiter(limits.MarketData),
			classTrading:    newPerMinuteLimiter(limits.Trading),
			classStandard:   newPerMinuteLimiter(limits.Standard),
		},
	}
}

func newPerMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if t.client != nil && timeout > 0 {
		t.client.Timeout = timeout
	}
	return t
}

// RateLimits returns the configured per-minute request budgets.
func (t *TradierAPI) RateLimits() RateLimits {
	return t.rateLimits
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	RootSymbol     string  `json:"root_symbol"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	MidIV     float64 `json:"mid_iv"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Close  float64 `json:"close"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order OrderItem `json:"order"`
}

// OrderItem is one order as returned by the account order endpoints.
type OrderItem struct {
	CreateDate        string  `json:"create_date"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	Duration          string  `json:"duration"`
	Tag               string  `json:"tag"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	ID                int     `json:"id"`
	Price             float64 `json:"price"`
	Quantity          float64 `json:"quantity"`
}

// OrdersResponse represents the account orders listing.
type OrdersResponse struct {
	Orders OrdersWrapper `json:"orders"`
}

// OrdersWrapper handles the case where orders can be "null" string or an object
type OrdersWrapper struct {
	Order singleOrArray[OrderItem] `json:"order"`
}

func (ow *OrdersWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*ow = OrdersWrapper{}
		return nil
	}

	type normalWrapper OrdersWrapper
	return json.Unmarshal(b, (*normalWrapper)(ow))
}

// ============ API Methods ============

// GetQuote returns the net composite quote for legs. Buy legs add, sell legs subtract.
func (t *TradierAPI) GetQuote(ctx context.Context, legs []models.Leg) (*CompositeQuote, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("no legs to quote")
	}
	symbols := make([]string, 0, len(legs))
	for _, l := range legs {
		symbols = append(symbols, l.Symbol)
	}
	quotes, err := t.getQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var cq CompositeQuote
	for _, l := range legs {
		q, ok := quotes[l.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoQuote, l.Symbol)
		}
		ratio := float64(l.Ratio)
		if ratio == 0 {
			ratio = 1
		}
		mid := (q.Bid + q.Ask) / 2
		if l.Side.IsBuy() {
			cq.Bid += q.Bid * ratio
			cq.Ask += q.Ask * ratio
			cq.Mid += mid * ratio
		} else {
			cq.Bid -= q.Ask * ratio
			cq.Ask -= q.Bid * ratio
			cq.Mid -= mid * ratio
		}
	}
	return &cq, nil
}

// GetUnderlyingPrice returns the last trade of an index or equity.
func (t *TradierAPI) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	quotes, err := t.getQuotes(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	if q.Last > 0 {
		return q.Last, nil
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2, nil
	}
	return q.Close, nil
}

func (t *TradierAPI) getQuotes(ctx context.Context, symbols []string) (map[string]QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	out := make(map[string]QuoteItem, len(response.Quotes.Quote))
	for _, q := range response.Quotes.Quote {
		out[q.Symbol] = q
	}
	return out, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", fmt.Sprintf("%t", greeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []Option(response.Options.Option), nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "":
		return "day", nil
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	}
	return "", fmt.Errorf("invalid duration '%s': must be one of 'day' or 'gtc'", duration)
}

// PlaceOrder submits a multileg limit order and returns the broker order id.
func (t *TradierAPI) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	duration, err := normalizeDuration(req.Duration)
	if err != nil {
		return "", err
	}
	if req.Price <= 0 {
		return "", fmt.Errorf("invalid %s price: %.2f (must be > 0)", req.PriceType, req.Price)
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("invalid quantity: %d (must be > 0)", req.Quantity)
	}
	if req.PriceType != models.PriceDebit && req.PriceType != models.PriceCredit {
		return "", fmt.Errorf("invalid price type %q", req.PriceType)
	}
	if len(req.Legs) < 2 {
		return "", fmt.Errorf("multileg order needs at least 2 legs, got %d", len(req.Legs))
	}

	symbol := req.Symbol
	if symbol == "" {
		symbol = extractUnderlyingFromOSI(req.Legs[0].Symbol)
		if symbol == "" {
			return "", fmt.Errorf("failed to extract underlying symbol from option symbol: %s", req.Legs[0].Symbol)
		}
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", symbol)
	params.Add("type", string(req.PriceType))
	params.Add("duration", duration)
	params.Add("price", fmt.Sprintf("%.2f", req.Price))
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	for i, leg := range req.Legs {
		ratio := leg.Ratio
		if ratio <= 0 {
			ratio = 1
		}
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.Symbol)
		params.Add(fmt.Sprintf("side[%d]", i), string(leg.Side))
		params.Add(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(req.Quantity*ratio))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, classTrading, http.MethodPost, endpoint, params, &response); err != nil {
		return "", err
	}
	if response.Order.ID == 0 {
		return "", fmt.Errorf("order response missing id (status=%q)", response.Order.Status)
	}
	return strconv.Itoa(response.Order.ID), nil
}

// ModifyOrder revises the limit price of a working order in place.
func (t *TradierAPI) ModifyOrder(ctx context.Context, orderID string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("invalid price for modify: %.2f, price must be positive", price)
	}
	params := url.Values{}
	params.Add("price", fmt.Sprintf("%.2f", price))

	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	return t.makeRequestCtx(ctx, classTrading, http.MethodPut, endpoint, params, &response)
}

// CancelOrder requests cancellation. An ack is not proof of cancellation.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	return t.makeRequestCtx(ctx, classTrading, http.MethodDelete, endpoint, nil, &response)
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, classStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order payload missing for %s", orderID)
	}
	st := toOrderStatus(response.Order)
	return &st, nil
}

// GetOpenOrders lists the account's working orders.
func (t *TradierAPI) GetOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrdersResponse
	if err := t.makeRequestCtx(ctx, classStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	var open []OrderStatus
	for _, o := range response.Orders.Order {
		st := toOrderStatus(o)
		if st.State == OrderWorking {
			open = append(open, st)
		}
	}
	return open, nil
}

func toOrderStatus(o OrderItem) OrderStatus {
	st := OrderStatus{
		ID:           strconv.Itoa(o.ID),
		RawStatus:    o.Status,
		Tag:          o.Tag,
		Price:        math.Abs(o.Price),
		State:        classifyOrder(o),
		ExecQuantity: int(math.Round(o.ExecQuantity)),
	}
	if st.State == OrderFilled || st.ExecQuantity > 0 {
		st.FillPrice = math.Abs(o.AvgFillPrice)
		if st.FillPrice == 0 {
			st.FillPrice = st.Price
		}
	}
	return st
}

// classifyOrder maps Tradier status strings onto OrderState.
func classifyOrder(o OrderItem) OrderState {
	const epsilon = 1e-6
	status := strings.ToLower(o.Status)
	if status == "filled" {
		return OrderFilled
	}
	// Partial status with everything executed is a complete fill
	if o.Quantity > epsilon && o.ExecQuantity >= o.Quantity-epsilon {
		return OrderFilled
	}
	switch status {
	case "canceled", "cancelled", "expired", "rejected":
		return OrderCancelled
	case "open", "pending", "partially_filled", "partial", "calculated", "accepted_for_bidding", "pending_cancel":
		return OrderWorking
	default:
		return OrderUnknown
	}
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, class endpointClass, method, endpoint string,
	params url.Values, response interface{}) error {
	if lim := t.limiters[class]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var req *http.Request
	var err error

	if (method == http.MethodPost || method == http.MethodPut) && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "spx-calendar/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("tradier rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
