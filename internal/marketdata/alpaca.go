package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
)

// Provider serves historical bars and last trade prices.
type Provider interface {
	Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error)
	Last(ctx context.Context, symbol string) (Quote, error)
}

// AlpacaClient implements Provider against the Alpaca Data API v2.
type AlpacaClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	maxRetries int
}

// NewAlpacaClient creates a data client. baseURL is the data API host
// (https://data.alpaca.markets).
func NewAlpacaClient(baseURL, apiKey, secretKey string) *AlpacaClient {
	return &AlpacaClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
}

type barsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	Symbol        string      `json:"symbol"`
	NextPageToken *string     `json:"next_page_token"`
}

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		Price     float64   `json:"p"`
		Timestamp time.Time `json:"t"`
	} `json:"trade"`
}

// Bars fetches the most recent n bars for a symbol. The returned series is
// validated: ascending, and contiguous for minute bars. Upstream failures and
// holes surface as ErrDataUnavailable.
func (c *AlpacaClient) Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error) {
	params := url.Values{}
	params.Set("timeframe", string(tf))
	params.Set("limit", strconv.Itoa(n))
	params.Set("adjustment", "raw")

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.baseURL, symbol, params.Encode())

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp barsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding bars for %s: %v", ErrDataUnavailable, symbol, err)
	}

	if len(resp.Bars) < n {
		return nil, fmt.Errorf("%w: %s %s returned %d of %d bars", ErrDataUnavailable, symbol, tf, len(resp.Bars), n)
	}

	bars := make([]Bar, len(resp.Bars))
	for i, b := range resp.Bars {
		bars[i] = Bar(b)
	}

	if err := ValidateBars(bars, tf); err != nil {
		return nil, err
	}

	return bars, nil
}

// Last fetches the latest trade price for a symbol.
func (c *AlpacaClient) Last(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", c.baseURL, symbol)

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return Quote{}, err
	}

	var resp latestTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Quote{}, fmt.Errorf("%w: decoding latest trade for %s: %v", ErrDataUnavailable, symbol, err)
	}
	if resp.Trade.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: no trade for %s", ErrDataUnavailable, symbol)
	}

	return Quote{Symbol: symbol, Price: resp.Trade.Price, Timestamp: resp.Trade.Timestamp}, nil
}

// getWithRetry issues a GET with exponential backoff on 5xx, 429, and
// transport errors. 404 maps to ErrUnknownSymbol and is not retried.
func (c *AlpacaClient) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    4 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, ctx.Err())
			}
		}

		body, retryable, err := c.getOnce(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Printf("[MarketData] Retryable fetch failure (attempt %d/%d): %v", attempt+1, c.maxRetries+1, err)
	}

	return nil, lastErr
}

func (c *AlpacaClient) getOnce(ctx context.Context, endpoint string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: reading body: %v", ErrDataUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrUnknownSymbol
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", ErrDataUnavailable, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: status %d: %s", ErrDataUnavailable, resp.StatusCode, string(data))
	}
}
