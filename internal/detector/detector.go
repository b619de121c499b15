// Package detector maintains the set of leader wallets worth monitoring.
// It is advisory: a failed cycle keeps the previous set, and a stale set
// never interrupts ingestion for already-subscribed leaders.
package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/gamma"
	"polycopy/internal/types"
)

// Source is the read-only upstream the detector aggregates.
type Source interface {
	RecentTrades(ctx context.Context, limit int) ([]gamma.WalletTrade, error)
}

// Store persists the detected leader set.
type Store interface {
	UpsertLeader(l types.Leader) error
}

// Handler receives the membership delta after each successful cycle.
// Added leaders are delivered before removed ones.
type Handler func(added, removed []string)

// Config holds the detection thresholds.
type Config struct {
	Interval   time.Duration
	MinVolume  decimal.Decimal
	MinTrades  int
	MinWinRate decimal.Decimal // applied only when the win rate is known
	ScanLimit  int             // trades aggregated per cycle
}

// Detector periodically ranks wallets by volume and trade count.
type Detector struct {
	source Source
	store  Store
	cfg    Config

	mu       sync.RWMutex
	current  map[string]types.Leader
	handlers []Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a detector. Store may be nil (tests).
func New(source Source, store Store, cfg Config) *Detector {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	return &Detector{
		source:  source,
		store:   store,
		cfg:     cfg,
		current: make(map[string]types.Leader),
		stopCh:  make(chan struct{}),
	}
}

// Subscribe registers a delta handler. Must be called before Start.
func (d *Detector) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// IsLeader is the cheap cached membership predicate.
func (d *Detector) IsLeader(addr string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.current[addr]
	return ok
}

// Leaders returns a snapshot of the current set.
func (d *Detector) Leaders() []types.Leader {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Leader, 0, len(d.current))
	for _, l := range d.current {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Start runs the detection loop. The first cycle fires immediately.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.cycle(ctx)

		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.cycle(ctx)
			}
		}
	}()
	log.Info().
		Dur("interval", d.cfg.Interval).
		Str("min_volume", d.cfg.MinVolume.String()).
		Int("min_trades", d.cfg.MinTrades).
		Msg("🔍 Leader detector started")
}

// Stop halts the loop.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) cycle(ctx context.Context) {
	leaders, err := d.Discover(ctx)
	if err != nil {
		// Transient upstream failure: keep the previous set.
		log.Warn().Err(err).Msg("Leader detection cycle skipped")
		return
	}

	next := make(map[string]types.Leader, len(leaders))
	for _, l := range leaders {
		next[l.Address] = l
		if d.store != nil {
			if err := d.store.UpsertLeader(l); err != nil {
				log.Error().Err(err).Str("leader", l.Address).Msg("Failed to persist leader")
			}
		}
	}

	d.mu.Lock()
	prev := d.current
	d.current = next
	handlers := d.handlers
	d.mu.Unlock()

	var added, removed []string
	for addr := range next {
		if _, ok := prev[addr]; !ok {
			added = append(added, addr)
		}
	}
	for addr := range prev {
		if _, ok := next[addr]; !ok {
			removed = append(removed, addr)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	if len(added) == 0 && len(removed) == 0 {
		return
	}

	log.Info().
		Int("leaders", len(next)).
		Strs("added", added).
		Strs("removed", removed).
		Msg("Leader set changed")

	for _, h := range handlers {
		h(added, removed)
	}
}

// Discover aggregates recent upstream trades by wallet and returns every
// wallet meeting the thresholds. Never partial: any upstream error fails
// the whole call.
func (d *Detector) Discover(ctx context.Context) ([]types.Leader, error) {
	trades, err := d.source.RecentTrades(ctx, d.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}

	type agg struct {
		volume   decimal.Decimal
		count    int64
		lastSeen time.Time
	}
	byWallet := make(map[string]*agg)
	for _, t := range trades {
		a, ok := byWallet[t.MakerAddress]
		if !ok {
			a = &agg{volume: decimal.Zero}
			byWallet[t.MakerAddress] = a
		}
		a.volume = a.volume.Add(t.Size.Mul(t.Price))
		a.count++
		if t.Timestamp.After(a.lastSeen) {
			a.lastSeen = t.Timestamp
		}
	}

	var leaders []types.Leader
	for addr, a := range byWallet {
		if a.volume.LessThan(d.cfg.MinVolume) || a.count < int64(d.cfg.MinTrades) {
			continue
		}
		// The data source does not expose closed-position ratios, so the
		// win rate is unknown and wallets are admitted on volume+trades.
		leaders = append(leaders, types.Leader{
			Address:     addr,
			TotalVolume: a.volume,
			TotalTrades: a.count,
			WinRate:     decimal.NewFromInt(-1),
			LastSeen:    a.lastSeen,
		})
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i].Address < leaders[j].Address })
	return leaders, nil
}
