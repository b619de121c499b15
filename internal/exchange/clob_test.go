package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"polycopy/internal/faults"
)

func order(key string) Order {
	return Order{
		IdempotencyKey: key,
		MarketID:       "m1",
		Side:           "BUY",
		Price:          decimal.NewFromFloat(0.5),
		Shares:         decimal.NewFromInt(100),
	}
}

func TestDryRunReceiptDeterministic(t *testing.T) {
	t.Parallel()

	c, err := NewCLOB(CLOBConfig{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}

	a, err := c.Submit(context.Background(), order("intent-1"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Submit(context.Background(), order("intent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if a.OrderRef != b.OrderRef {
		t.Fatalf("same key produced %s and %s", a.OrderRef, b.OrderRef)
	}

	other, err := c.Submit(context.Background(), order("intent-2"))
	if err != nil {
		t.Fatal(err)
	}
	if other.OrderRef == a.OrderRef {
		t.Fatal("different keys produced the same reference")
	}
}

func TestLiveModeRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewCLOB(CLOBConfig{DryRun: false}); err == nil {
		t.Fatal("live mode without a private key should fail")
	}
}

func TestSubmitClassifiesStatuses(t *testing.T) {
	t.Parallel()

	status := http.StatusOK
	body := `{"orderID":"o1","status":"live"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_API_KEY") != "key" {
			t.Error("auth header missing")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	// Throwaway key; valid secp256k1 scalar.
	c, err := NewCLOB(CLOBConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		APISecret:  "secret",
		PrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	if err != nil {
		t.Fatal(err)
	}

	receipt, err := c.Submit(context.Background(), order("intent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if receipt.OrderRef != "o1" {
		t.Fatalf("order ref = %s", receipt.OrderRef)
	}

	status, body = http.StatusTooManyRequests, `rate limited`
	_, err = c.Submit(context.Background(), order("intent-1"))
	if faults.KindOf(err) != faults.ExchangeTransient {
		t.Fatalf("429 should be transient, got %v", err)
	}

	status, body = http.StatusBadRequest, `insufficient balance`
	_, err = c.Submit(context.Background(), order("intent-1"))
	if faults.KindOf(err) != faults.ExchangeRejected {
		t.Fatalf("400 should be terminal, got %v", err)
	}
}
