package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		message string
		want    ErrorKind
	}{
		{"buying power", 403, "insufficient buying power", KindInsufficientBuyingPower},
		{"market closed", 422, "market is closed", KindMarketClosed},
		{"unknown symbol", 404, "asset not found", KindUnknownSymbol},
		{"duplicate client id", 422, "client_order_id must be unique", KindDuplicateClientOrderID},
		{"already canceled", 422, "order already canceled", KindAlreadyTerminal},
		{"rate limited", 429, "too many requests", KindRateLimited},
		{"server error", 503, "service unavailable", KindTransient},
		{"generic reject", 400, "invalid qty", KindRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.status, tc.message))
		})
	}
}

func TestKindOfUnclassifiedIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTransient}).Retryable())
	assert.True(t, (&Error{Kind: KindRateLimited}).Retryable())
	assert.False(t, (&Error{Kind: KindRejected}).Retryable())
	assert.False(t, (&Error{Kind: KindInsufficientBuyingPower}).Retryable())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *AlpacaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAlpacaClient(srv.URL, "key", "secret", NewRateLimiter(6000), 5*time.Second)
}

func TestCancelIdempotentOnTerminalOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(apiError{Code: 42210000, Message: "order already filled"})
	})

	err := client.Cancel(context.Background(), "abc")
	assert.NoError(t, err, "cancel of a terminal order must succeed")
}

func TestCancelIdempotentOnUnknownOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{Message: "order not found"})
	})

	assert.NoError(t, client.Cancel(context.Background(), "missing"))
}

func TestSubmitBracketPayload(t *testing.T) {
	var got orderPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/orders", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Order{ID: "1", Symbol: got.Symbol, Status: StatusAccepted})
	})

	_, err := client.SubmitBracket(context.Background(), BracketRequest{
		Symbol:        "TQQQ",
		Side:          SideBuy,
		Qty:           40,
		StopPrice:     47.50,
		TargetPrice:   56.25,
		ClientOrderID: "gap-20260302-000001",
	})
	require.NoError(t, err)

	assert.Equal(t, "bracket", got.OrderClass)
	assert.Equal(t, "40", got.Qty)
	assert.Equal(t, "47.50", got.StopLoss.StopPrice)
	assert.Equal(t, "56.25", got.TakeProfit.LimitPrice)
	assert.Equal(t, "gap-20260302-000001", got.ClientOrderID)
}

func TestSubmitTrailingStopPayload(t *testing.T) {
	var got orderPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = orderPayload{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Order{ID: "1", Symbol: got.Symbol, Status: StatusAccepted})
	})

	t.Run("dollar trail", func(t *testing.T) {
		_, err := client.SubmitTrailingStop(context.Background(), TrailingStopRequest{
			Symbol: "TQQQ", Side: SideSell, Qty: 40, TrailAmount: 0.85,
		})
		require.NoError(t, err)

		assert.Equal(t, "gtc", got.TimeInForce)
		assert.Equal(t, "0.85", got.TrailPrice)
		assert.Empty(t, got.TrailPercent)
	})

	t.Run("percent trail", func(t *testing.T) {
		_, err := client.SubmitTrailingStop(context.Background(), TrailingStopRequest{
			Symbol: "TQQQ", Side: SideSell, Qty: 40, TrailPercent: 1.50,
		})
		require.NoError(t, err)

		assert.Equal(t, "gtc", got.TimeInForce)
		assert.Equal(t, "1.50", got.TrailPercent)
		assert.Empty(t, got.TrailPrice)
	})
}

func TestReplaceStopFallsBackToCancelResubmit(t *testing.T) {
	var canceled, resubmitted bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Message: "unable to modify order"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(Order{
				ID: "stop-1", Symbol: "TQQQ", Side: SideSell,
				Type: TypeStop, Qty: 40, Status: StatusNew,
			})
		case r.Method == http.MethodDelete:
			canceled = true
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			resubmitted = true
			var p orderPayload
			json.NewDecoder(r.Body).Decode(&p)
			assert.Equal(t, "48.10", p.StopPrice)
			json.NewEncoder(w).Encode(Order{ID: "stop-2", Symbol: "TQQQ", Status: StatusAccepted})
		}
	})

	order, err := client.ReplaceStop(context.Background(), "stop-1", 48.10)
	require.NoError(t, err)
	assert.True(t, canceled)
	assert.True(t, resubmitted)
	assert.Equal(t, "stop-2", order.ID)
}

func TestReplaceStopGapOnResubmitFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Message: "unable to modify order"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(Order{
				ID: "stop-1", Symbol: "TQQQ", Side: SideSell,
				Type: TypeStop, Qty: 40, Status: StatusNew,
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(apiError{Message: "insufficient buying power"})
		}
	})

	_, err := client.ReplaceStop(context.Background(), "stop-1", 48.10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopGap, "a cancel without a replacement stop must surface as a stop gap")
}

func TestReplaceStopKeepsOriginalWhenCancelFails(t *testing.T) {
	var resubmitted bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Message: "unable to modify order"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(Order{ID: "stop-1", Symbol: "TQQQ", Qty: 40, Status: StatusNew})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(apiError{Message: "cannot cancel"})
		case r.Method == http.MethodPost:
			resubmitted = true
		}
	})

	_, err := client.ReplaceStop(context.Background(), "stop-1", 48.10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStopGap, "failed cancel leaves the original stop working")
	assert.False(t, resubmitted)
}

func TestRateLimiterReservesBudgetForCritical(t *testing.T) {
	rl := NewRateLimiter(10)

	// Normal priority can only draw down to 40% of capacity.
	granted := 0
	for i := 0; i < 10; i++ {
		if rl.TryAcquire(PriorityNormal) {
			granted++
		}
	}
	assert.Equal(t, 6, granted, "normal requests stop at the 60%% threshold")

	// Critical still has the reserved tokens.
	assert.True(t, rl.TryAcquire(PriorityCritical))
}

func TestRateLimiterPenalizeDrainsBucket(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.Penalize()
	assert.False(t, rl.TryAcquire(PriorityCritical))
}

func TestRateLimiterAcquireHonorsContext(t *testing.T) {
	rl := NewRateLimiter(10)
	rl.Penalize()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx, PriorityNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockBrokerBracketLegsActivateOnFill(t *testing.T) {
	mb := NewMockBroker()
	entry, err := mb.SubmitBracket(context.Background(), BracketRequest{
		Symbol: "TQQQ", Side: SideBuy, Qty: 40,
		StopPrice: 47.50, TargetPrice: 56.25, ClientOrderID: "c1",
	})
	require.NoError(t, err)

	legs, err := mb.ChildrenOf(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, StatusHeld, legs[0].Status)

	mb.Fill(entry.ID, 50.0)
	legs, _ = mb.ChildrenOf(context.Background(), entry.ID)
	assert.Equal(t, StatusNew, legs[0].Status)
	assert.Equal(t, StatusNew, legs[1].Status)
}

func TestMockBrokerRejectsDuplicateClientOrderID(t *testing.T) {
	mb := NewMockBroker()
	req := BracketRequest{Symbol: "TQQQ", Side: SideBuy, Qty: 1, StopPrice: 1, TargetPrice: 2, ClientOrderID: "dup"}

	_, err := mb.SubmitBracket(context.Background(), req)
	require.NoError(t, err)

	_, err = mb.SubmitBracket(context.Background(), req)
	assert.True(t, IsKind(err, KindDuplicateClientOrderID))
}
