package gamma

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polycopy/internal/faults"
)

func newTestClient(gammaHandler, dataHandler http.HandlerFunc) (*Client, func()) {
	gammaSrv := httptest.NewServer(gammaHandler)
	dataSrv := httptest.NewServer(dataHandler)
	c := New(gammaSrv.URL, dataSrv.URL, 5*time.Second)
	return c, func() {
		gammaSrv.Close()
		dataSrv.Close()
	}
}

func TestListMarketsParsesStringifiedArrays(t *testing.T) {
	t.Parallel()

	c, done := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"m1","question":"Will it rain?","outcomes":"[\"Yes\",\"No\"]",
			 "outcomePrices":"[\"0.62\",\"0.38\"]","active":true,"closed":false,
			 "volume":"120000","liquidity":"4000"},
			{"question":"missing id"},
			{"id":"m2","outcomes":"not-json","active":true}
		]`))
	}, http.NotFound)
	defer done()

	markets, err := c.ListMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Malformed records are dropped, not fatal.
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}
	m := markets[0]
	if m.ID != "m1" || !m.Live() {
		t.Fatalf("unexpected market: %+v", m)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0] != "Yes" {
		t.Fatalf("outcomes = %v", m.Outcomes)
	}
	if m.OutcomePrices[0].StringFixed(2) != "0.62" {
		t.Fatalf("price = %s", m.OutcomePrices[0])
	}
}

func TestTradesByWalletDropsMalformed(t *testing.T) {
	t.Parallel()

	c, done := newTestClient(http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user"); got != "0xabc" {
			t.Errorf("user = %q, want lowercased 0xabc", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"t1","market_id":"m1","maker_address":"0xABC","side":"buy",
			 "outcome_index":0,"price":"0.55","size":"100","timestamp":1724457600},
			{"id":"t2","market_id":"m1","maker_address":"0xABC","side":"hold",
			 "outcome_index":0,"price":"0.55","size":"100"},
			{"id":"t3","market_id":"m1","maker_address":"0xABC","side":"sell",
			 "outcome_index":5,"price":"0.55","size":"100"}
		]`))
	})
	defer done()

	trades, err := c.TradesByWallet(context.Background(), "0xABC", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Side != "BUY" || tr.MakerAddress != "0xabc" {
		t.Fatalf("normalization failed: %+v", tr)
	}
}

func TestUpstreamErrorClassified(t *testing.T) {
	t.Parallel()

	c, done := newTestClient(http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	})
	defer done()

	_, err := c.TradesByWallet(context.Background(), "0xabc", 10)
	if err == nil {
		t.Fatal("want error")
	}
	if !errors.Is(err, faults.New(faults.UpstreamUnavailable, nil)) {
		t.Fatalf("want UpstreamUnavailable, got %v", err)
	}
	if !faults.Transient(err) {
		t.Fatal("upstream 5xx should be transient")
	}
}

func TestMidpoint(t *testing.T) {
	t.Parallel()

	c, done := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/m1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","outcomePrices":"[\"0.62\",\"0.38\"]","active":true}`))
	}, http.NotFound)
	defer done()

	price, err := c.Midpoint(context.Background(), "m1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if price.StringFixed(2) != "0.38" {
		t.Fatalf("price = %s, want 0.38", price)
	}

	_, err = c.Midpoint(context.Background(), "m1", 2)
	if err == nil {
		t.Fatal("out-of-range outcome should fail")
	}
	if faults.KindOf(err) != faults.UpstreamBadData {
		t.Fatalf("want UpstreamBadData, got %v", err)
	}
}
