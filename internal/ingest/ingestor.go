// Package ingest captures every new trade of each monitored leader exactly
// once and emits normalized events to the dispatcher. Streaming is preferred;
// leaders fall back to REST polling when the stream dies.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/rs/zerolog/log"

	"polycopy/internal/gamma"
	"polycopy/internal/types"
)

// Config tunes the polling fallback and dedup window.
type Config struct {
	PollInterval time.Duration
	PollLimit    int
	DedupSize    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		PollLimit:    10,
		DedupSize:    10000,
	}
}

type ingestMode int

const (
	modeStream ingestMode = iota
	modePoll
)

type leaderSub struct {
	mode   ingestMode
	poller *poller
}

// Ingestor owns the per-leader subscriptions and the dedup window.
type Ingestor struct {
	stream *Stream // nil disables streaming entirely
	source PollSource
	cfg    Config

	out chan types.LeaderTrade

	// Process-local dedup across stream/poll crossover. The unique
	// constraint on the persisted trade id is the authoritative guard.
	seen *lru.Cache[string, struct{}]

	mu      sync.Mutex
	leaders map[string]*leaderSub
	dead    bool // stream declared dead, all leaders poll

	// Guards out against emitters racing Stop. Writers hold the read
	// side for the duration of the send; Stop takes the write side
	// before closing.
	outMu  sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an ingestor. A nil stream forces polling for every leader.
func New(stream *Stream, source PollSource, cfg Config) *Ingestor {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 10000
	}
	return &Ingestor{
		stream:  stream,
		source:  source,
		cfg:     cfg,
		out:     make(chan types.LeaderTrade, 256),
		seen:    lru.NewCache[string, struct{}](cfg.DedupSize),
		leaders: make(map[string]*leaderSub),
	}
}

// Out is the channel of normalized leader trades consumed by the dispatcher.
func (in *Ingestor) Out() <-chan types.LeaderTrade {
	return in.out
}

// Start begins ingestion for the initial leader set.
func (in *Ingestor) Start(ctx context.Context, initial []string) {
	in.ctx, in.cancel = context.WithCancel(ctx)

	if in.stream != nil {
		in.stream.Start()
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			select {
			case <-in.stream.Dead():
				in.fallbackAll()
			case <-in.ctx.Done():
			}
		}()
	}

	for _, addr := range initial {
		in.Attach(addr)
	}
	log.Info().Int("leaders", len(initial)).Msg("Trade ingestion started")
}

// Stop halts all subscriptions and closes the output channel so the
// dispatcher can drain.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	for _, sub := range in.leaders {
		if sub.poller != nil {
			sub.poller.stop()
		}
	}
	in.leaders = make(map[string]*leaderSub)
	in.mu.Unlock()

	if in.cancel != nil {
		in.cancel()
	}
	if in.stream != nil {
		// Blocks until the stream's read loop has returned, so no
		// handler is mid-flight past this point.
		in.stream.Stop()
	}
	in.wg.Wait()

	in.outMu.Lock()
	in.closed = true
	in.outMu.Unlock()
	close(in.out)
}

// Attach starts ingestion for one leader, streaming when available.
func (in *Ingestor) Attach(addr string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.leaders[addr]; ok {
		return
	}

	handler := func(t gamma.WalletTrade) { in.emit(t) }

	if in.stream != nil && !in.dead {
		if err := in.stream.Subscribe(addr, handler); err == nil {
			in.leaders[addr] = &leaderSub{mode: modeStream}
			log.Info().Str("leader", addr).Msg("Leader attached (stream)")
			return
		}
	}

	in.leaders[addr] = &leaderSub{mode: modePoll, poller: in.startPoller(addr, handler)}
	log.Info().Str("leader", addr).Msg("Leader attached (polling)")
}

// Detach stops ingestion for one leader.
func (in *Ingestor) Detach(addr string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	sub, ok := in.leaders[addr]
	if !ok {
		return
	}
	delete(in.leaders, addr)

	if sub.mode == modeStream && in.stream != nil {
		in.stream.Unsubscribe(addr)
	}
	if sub.poller != nil {
		sub.poller.stop()
	}
	log.Info().Str("leader", addr).Msg("Leader detached")
}

// OnLeaderDelta is the detector subscription: added before removed.
func (in *Ingestor) OnLeaderDelta(added, removed []string) {
	for _, addr := range added {
		in.Attach(addr)
	}
	for _, addr := range removed {
		in.Detach(addr)
	}
}

func (in *Ingestor) startPoller(addr string, h TradeHandler) *poller {
	p := newPoller(addr, in.source, in.cfg.PollInterval, in.cfg.PollLimit, h)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		p.run(in.ctx)
	}()
	return p
}

// fallbackAll converts every streaming leader to polling after the stream
// declared itself dead.
func (in *Ingestor) fallbackAll() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.dead = true
	for addr, sub := range in.leaders {
		if sub.mode != modeStream {
			continue
		}
		handler := func(t gamma.WalletTrade) { in.emit(t) }
		sub.mode = modePoll
		sub.poller = in.startPoller(addr, handler)
	}
	log.Warn().Int("leaders", len(in.leaders)).Msg("All leaders switched to polling")
}

// emit normalizes a trade and forwards it once. Dedup is by trade id, not
// timestamp; out-of-order arrivals with unseen ids still pass.
func (in *Ingestor) emit(t gamma.WalletTrade) {
	if in.seen.Contains(t.ID) {
		log.Debug().Str("trade", t.ID).Msg("Duplicate trade dropped")
		return
	}
	in.seen.Add(t.ID, struct{}{})

	trade := types.LeaderTrade{
		ID:           t.ID,
		Leader:       t.MakerAddress,
		MarketID:     t.MarketID,
		OutcomeIndex: t.OutcomeIndex,
		Side:         t.Side,
		Notional:     t.Size.Mul(t.Price),
		Shares:       t.Size,
		Price:        t.Price,
		ObservedAt:   time.Now().UTC(),
		TxHash:       t.TxHash,
	}

	// A frame that arrives during shutdown is dropped, not sent into a
	// closed channel.
	in.outMu.RLock()
	defer in.outMu.RUnlock()
	if in.closed {
		log.Debug().Str("trade", t.ID).Msg("Trade dropped during shutdown")
		return
	}

	select {
	case in.out <- trade:
	case <-in.ctx.Done():
	}
}
