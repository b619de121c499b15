package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/gamma"
	"polycopy/internal/types"
)

type fakeSource struct {
	mu     sync.Mutex
	trades map[string][]gamma.WalletTrade
	err    error
}

func (s *fakeSource) TradesByWallet(_ context.Context, addr string, limit int) ([]gamma.WalletTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	trades := s.trades[addr]
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *fakeSource) set(addr string, trades []gamma.WalletTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trades == nil {
		s.trades = make(map[string][]gamma.WalletTrade)
	}
	s.trades[addr] = trades
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func walletTrade(id string) gamma.WalletTrade {
	return gamma.WalletTrade{
		ID:           id,
		MarketID:     "m1",
		MakerAddress: "0xleader",
		Side:         types.SideBuy,
		OutcomeIndex: types.OutcomeYes,
		Price:        dec("0.50"),
		Size:         dec("100"),
		Timestamp:    time.Now().UTC(),
	}
}

func TestPollerEmitsOnlyNewTrades(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	// Newest first, as the API returns them.
	src.set("0xleader", []gamma.WalletTrade{walletTrade("t2"), walletTrade("t1")})

	var got []string
	p := newPoller("0xleader", src, time.Second, 10, func(tr gamma.WalletTrade) {
		got = append(got, tr.ID)
	})

	ctx := context.Background()
	p.prime(ctx)
	if p.lastTradeID != "t2" {
		t.Fatalf("cursor = %q, want t2", p.lastTradeID)
	}

	// Nothing new yet.
	p.poll(ctx)
	if len(got) != 0 {
		t.Fatalf("emitted %v before any new trade", got)
	}

	// Two new trades arrive; emitted oldest first.
	src.set("0xleader", []gamma.WalletTrade{walletTrade("t4"), walletTrade("t3"), walletTrade("t2")})
	p.poll(ctx)
	if len(got) != 2 || got[0] != "t3" || got[1] != "t4" {
		t.Fatalf("got %v, want [t3 t4]", got)
	}
	if p.lastTradeID != "t4" {
		t.Fatalf("cursor = %q, want t4", p.lastTradeID)
	}
}

func TestPollerBackoffOnFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("down")}
	p := newPoller("0xleader", src, time.Second, 10, func(gamma.WalletTrade) {
		t.Error("handler called on failure")
	})

	p.poll(context.Background())
	p.poll(context.Background())
	if p.failures != 2 {
		t.Fatalf("failures = %d, want 2", p.failures)
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	p.poll(context.Background())
	if p.failures != 0 {
		t.Fatalf("failures = %d, want reset to 0", p.failures)
	}
}

func TestIngestorDeduplicates(t *testing.T) {
	t.Parallel()

	in := New(nil, &fakeSource{}, DefaultConfig())
	in.ctx, in.cancel = context.WithCancel(context.Background())
	defer in.cancel()

	go func() {
		in.emit(walletTrade("t1"))
		in.emit(walletTrade("t1"))
		in.emit(walletTrade("t2"))
	}()

	first := <-in.out
	second := <-in.out
	if first.ID != "t1" || second.ID != "t2" {
		t.Fatalf("got %s, %s; want t1, t2", first.ID, second.ID)
	}

	select {
	case extra := <-in.out:
		t.Fatalf("duplicate emitted: %s", extra.ID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIngestorEmitAfterStopDropped(t *testing.T) {
	t.Parallel()

	in := New(nil, &fakeSource{}, DefaultConfig())
	in.Start(context.Background(), nil)
	in.Stop()

	// A stream frame still in flight when Stop ran must be dropped, not
	// sent into the closed output channel.
	in.emit(walletTrade("t1"))

	if _, ok := <-in.out; ok {
		t.Fatal("trade delivered after Stop")
	}
}

func TestIngestorNormalizes(t *testing.T) {
	t.Parallel()

	in := New(nil, &fakeSource{}, DefaultConfig())
	in.ctx, in.cancel = context.WithCancel(context.Background())
	defer in.cancel()

	go in.emit(walletTrade("t1"))
	got := <-in.out

	if got.Leader != "0xleader" || got.MarketID != "m1" {
		t.Fatalf("unexpected trade: %+v", got)
	}
	if !got.Notional.Equal(dec("50")) {
		t.Fatalf("notional = %s, want 50", got.Notional)
	}
	if !got.Shares.Equal(dec("100")) {
		t.Fatalf("shares = %s, want 100", got.Shares)
	}
	if got.ObservedAt.IsZero() {
		t.Fatal("observed_at not stamped")
	}
}

func TestBackoffCaps(t *testing.T) {
	t.Parallel()

	if got := backoff(1); got != time.Second {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := backoff(3); got != 4*time.Second {
		t.Fatalf("backoff(3) = %v", got)
	}
	if got := backoff(50); got != 60*time.Second {
		t.Fatalf("backoff(50) = %v", got)
	}
}

func TestParseStreamTradeValidation(t *testing.T) {
	t.Parallel()

	valid := streamTrade{
		EventType: "trade", ID: "t1", MarketID: "m1",
		MakerAddress: "0xABCD", Side: "buy", OutcomeIndex: 1,
		Price: "0.42", Size: "10", Timestamp: time.Now().Unix(),
	}
	got, ok := parseStreamTrade(valid)
	if !ok {
		t.Fatal("valid trade rejected")
	}
	if got.MakerAddress != "0xabcd" || got.Side != "BUY" {
		t.Fatalf("normalization failed: %+v", got)
	}

	cases := []func(streamTrade) streamTrade{
		func(s streamTrade) streamTrade { s.ID = ""; return s },
		func(s streamTrade) streamTrade { s.MarketID = ""; return s },
		func(s streamTrade) streamTrade { s.Side = "HOLD"; return s },
		func(s streamTrade) streamTrade { s.Price = "zero"; return s },
		func(s streamTrade) streamTrade { s.Price = "0"; return s },
		func(s streamTrade) streamTrade { s.OutcomeIndex = 2; return s },
	}
	for i, mutate := range cases {
		if _, ok := parseStreamTrade(mutate(valid)); ok {
			t.Errorf("case %d: malformed trade accepted", i)
		}
	}
}
