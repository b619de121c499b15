package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"polycopy/internal/gamma"
)

// PollSource is the REST fallback for leaders without a live stream.
type PollSource interface {
	TradesByWallet(ctx context.Context, addr string, limit int) ([]gamma.WalletTrade, error)
}

// poller fetches a leader's recent trades on an interval and emits the
// suffix beyond the last cursor. One poller per leader; a failing leader
// backs off independently and never stalls the others.
type poller struct {
	addr     string
	source   PollSource
	interval time.Duration
	limit    int
	handler  TradeHandler

	lastTradeID string // newest trade id seen on the previous poll
	failures    int

	stopCh chan struct{}
}

func newPoller(addr string, source PollSource, interval time.Duration, limit int, h TradeHandler) *poller {
	return &poller{
		addr:     addr,
		source:   source,
		interval: interval,
		limit:    limit,
		handler:  h,
		stopCh:   make(chan struct{}),
	}
}

func (p *poller) run(ctx context.Context) {
	// Prime the cursor so history before attach is not replayed.
	p.prime(ctx)

	for {
		delay := p.interval
		if p.failures > 0 {
			delay = backoff(p.failures)
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
			p.poll(ctx)
		}
	}
}

func (p *poller) stop() {
	close(p.stopCh)
}

func (p *poller) prime(ctx context.Context) {
	trades, err := p.source.TradesByWallet(ctx, p.addr, 1)
	if err != nil {
		log.Warn().Err(err).Str("leader", p.addr).Msg("Poll cursor priming failed")
		return
	}
	if len(trades) > 0 {
		p.lastTradeID = trades[0].ID
	}
}

func (p *poller) poll(ctx context.Context) {
	trades, err := p.source.TradesByWallet(ctx, p.addr, p.limit)
	if err != nil {
		p.failures++
		log.Warn().Err(err).Str("leader", p.addr).Int("failures", p.failures).Msg("Poll failed")
		return
	}
	p.failures = 0

	// Trades arrive newest first; emit the suffix beyond the cursor in
	// chronological order. Dedup by id happens downstream, so an unseen
	// trade older than the cursor is still safe to emit.
	var fresh []gamma.WalletTrade
	for _, t := range trades {
		if t.ID == p.lastTradeID {
			break
		}
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return
	}

	p.lastTradeID = fresh[0].ID
	for i := len(fresh) - 1; i >= 0; i-- {
		p.handler(fresh[i])
	}
}
