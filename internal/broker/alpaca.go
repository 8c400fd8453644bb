package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// AlpacaClient implements Broker against the Alpaca Trading API v2. All calls
// pass through the shared token bucket and a circuit breaker that opens on
// sustained transport failures.
type AlpacaClient struct {
	baseURL     string
	apiKey      string
	secretKey   string
	httpClient  *http.Client
	limiter     *RateLimiter
	breaker     *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

// NewAlpacaClient creates a trading client.
func NewAlpacaClient(baseURL, apiKey, secretKey string, limiter *RateLimiter, callTimeout time.Duration) *AlpacaClient {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alpaca",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Broker] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &AlpacaClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		secretKey:   secretKey,
		httpClient:  &http.Client{Timeout: callTimeout + 2*time.Second},
		limiter:     limiter,
		breaker:     cb,
		callTimeout: callTimeout,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type httpResult struct {
	status int
	body   []byte
}

// do issues one request through the limiter and breaker. Transport failures,
// 5xx, and 429 count against the breaker; business rejections do not.
func (c *AlpacaClient) do(ctx context.Context, method, path string, payload interface{}, priority RequestPriority) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, priority); err != nil {
			return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("rate limiter wait aborted: %v", err)}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindRejected, Message: fmt.Sprintf("encoding request: %v", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Message: err.Error()}
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Message: err.Error()}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, Message: err.Error()}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if c.limiter != nil {
				c.limiter.Penalize()
			}
			return nil, &Error{Kind: KindRateLimited, Status: resp.StatusCode, Message: brokerMessage(body)}
		}
		if resp.StatusCode >= 500 {
			return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, Message: brokerMessage(body)}
		}

		return httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if _, isBroker := err.(*Error); isBroker {
			return nil, err
		}
		// Breaker open or half-open rejection.
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}

	hr := result.(httpResult)
	if hr.status >= 200 && hr.status < 300 {
		return hr.body, nil
	}
	return nil, newError(hr.status, brokerMessage(hr.body))
}

func brokerMessage(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Message != "" {
		return ae.Message
	}
	return string(body)
}

type orderPayload struct {
	Symbol        string          `json:"symbol"`
	Qty           string          `json:"qty"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   string          `json:"time_in_force"`
	OrderClass    string          `json:"order_class,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	StopPrice     string          `json:"stop_price,omitempty"`
	TrailPrice    string          `json:"trail_price,omitempty"`
	TrailPercent  string          `json:"trail_percent,omitempty"`
	TakeProfit    *takeProfitLeg  `json:"take_profit,omitempty"`
	StopLoss      *stopLossLeg    `json:"stop_loss,omitempty"`
}

type takeProfitLeg struct {
	LimitPrice string `json:"limit_price"`
}

type stopLossLeg struct {
	StopPrice string `json:"stop_price"`
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// SubmitBracket submits a market entry with attached stop and target legs.
func (c *AlpacaClient) SubmitBracket(ctx context.Context, req BracketRequest) (Order, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           strconv.Itoa(req.Qty),
		Side:          req.Side,
		Type:          TypeMarket,
		TimeInForce:   "day",
		OrderClass:    "bracket",
		ClientOrderID: req.ClientOrderID,
		TakeProfit:    &takeProfitLeg{LimitPrice: price(req.TargetPrice)},
		StopLoss:      &stopLossLeg{StopPrice: price(req.StopPrice)},
	}
	return c.submit(ctx, payload)
}

// SubmitTrailingStop submits a broker-native trailing stop, percent or dollar
// trailed. GTC so the protection survives past the session close.
func (c *AlpacaClient) SubmitTrailingStop(ctx context.Context, req TrailingStopRequest) (Order, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           strconv.Itoa(req.Qty),
		Side:          req.Side,
		Type:          TypeTrailingStop,
		TimeInForce:   "gtc",
		ClientOrderID: req.ClientOrderID,
	}
	if req.TrailPercent > 0 {
		payload.TrailPercent = price(req.TrailPercent)
	} else {
		payload.TrailPrice = price(req.TrailAmount)
	}
	return c.submit(ctx, payload)
}

// SubmitMarket submits a plain market order.
func (c *AlpacaClient) SubmitMarket(ctx context.Context, req MarketRequest) (Order, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           strconv.Itoa(req.Qty),
		Side:          req.Side,
		Type:          TypeMarket,
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	}
	return c.submit(ctx, payload)
}

func (c *AlpacaClient) submit(ctx context.Context, payload orderPayload) (Order, error) {
	body, err := c.do(ctx, http.MethodPost, "/v2/orders", payload, PriorityCritical)
	if err != nil {
		return Order{}, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return Order{}, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding order: %v", err)}
	}
	return order, nil
}

// GetOrder fetches an order by broker ID.
func (c *AlpacaClient) GetOrder(ctx context.Context, orderID string) (Order, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/orders/"+orderID, nil, PriorityHigh)
	if err != nil {
		return Order{}, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return Order{}, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding order: %v", err)}
	}
	return order, nil
}

// Cancel cancels an order. Orders already in a terminal state count as
// successfully canceled.
func (c *AlpacaClient) Cancel(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil, PriorityCritical)
	if err != nil {
		if IsKind(err, KindAlreadyTerminal) {
			return nil
		}
		// The broker answers 404 for unknown IDs and for terminal orders it
		// has aged out; treat both as done.
		var be *Error
		if asBrokerError(err, &be) && be.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func asBrokerError(err error, target **Error) bool {
	be, ok := err.(*Error)
	if ok {
		*target = be
	}
	return ok
}

type replacePayload struct {
	StopPrice string `json:"stop_price"`
}

// ReplaceStop moves a stop order to a new price. The atomic PATCH is tried
// first; when the broker cannot replace in place the order is canceled and a
// fresh stop submitted. If the resubmit fails after a successful cancel the
// returned error wraps ErrStopGap and the caller owns emergency handling.
func (c *AlpacaClient) ReplaceStop(ctx context.Context, stopOrderID string, newStopPrice float64) (Order, error) {
	body, err := c.do(ctx, http.MethodPatch, "/v2/orders/"+stopOrderID, replacePayload{StopPrice: price(newStopPrice)}, PriorityCritical)
	if err == nil {
		var order Order
		if derr := json.Unmarshal(body, &order); derr != nil {
			return Order{}, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding replaced order: %v", derr)}
		}
		return order, nil
	}

	kind := KindOf(err)
	if kind == KindAlreadyTerminal || kind == KindRateLimited || kind == KindTransient {
		// Terminal means the stop fired or was canceled underneath us; the
		// retryable kinds are the caller's to retry. Neither warrants the
		// cancel-resubmit path.
		return Order{}, err
	}

	// In-place replace rejected; fall back to cancel-then-resubmit.
	original, gerr := c.GetOrder(ctx, stopOrderID)
	if gerr != nil {
		return Order{}, gerr
	}
	if original.Status.Terminal() {
		return Order{}, &Error{Kind: KindAlreadyTerminal, Message: "stop order reached terminal state during replace"}
	}

	if cerr := c.Cancel(ctx, stopOrderID); cerr != nil {
		// Original stop is still working; nothing was lost.
		return Order{}, cerr
	}

	remaining := original.Qty - original.FilledQty
	payload := orderPayload{
		Symbol:      original.Symbol,
		Qty:         strconv.Itoa(remaining),
		Side:        original.Side,
		Type:        TypeStop,
		TimeInForce: "day",
		StopPrice:   price(newStopPrice),
	}
	order, serr := c.submit(ctx, payload)
	if serr != nil {
		log.Printf("[Broker] Stop resubmit failed after cancel for %s: %v", original.Symbol, serr)
		return Order{}, fmt.Errorf("%w: %v", ErrStopGap, serr)
	}
	return order, nil
}

// ChildrenOf returns the protective legs attached to an entry order.
func (c *AlpacaClient) ChildrenOf(ctx context.Context, entryOrderID string) ([]Order, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/orders/"+entryOrderID+"?nested=true", nil, PriorityHigh)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding nested order: %v", err)}
	}
	return order.Legs, nil
}

// Positions lists open broker positions.
func (c *AlpacaClient) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/positions", nil, PriorityNormal)
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding positions: %v", err)}
	}
	return positions, nil
}

// GetAccount fetches the account snapshot.
func (c *AlpacaClient) GetAccount(ctx context.Context) (Account, error) {
	body, err := c.do(ctx, http.MethodGet, "/v2/account", nil, PriorityNormal)
	if err != nil {
		return Account{}, err
	}

	var account Account
	if err := json.Unmarshal(body, &account); err != nil {
		return Account{}, &Error{Kind: KindTransient, Message: fmt.Sprintf("decoding account: %v", err)}
	}
	return account, nil
}
