// Package dispatch fans one leader trade out to copy intents, one per
// enabled follow, and schedules them on the queue. Fan-out is synchronous
// per trade, which keeps intents ordered per follower.
package dispatch

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/database"
	"polycopy/internal/faults"
	"polycopy/internal/types"
)

// Store is the slice of the database the dispatcher writes.
type Store interface {
	InsertLeaderTrade(t types.LeaderTrade) error
	FollowsOfLeader(leader string) ([]database.FollowerEdge, error)
	CreateIntent(i types.CopyIntent) (bool, error)
}

// Enqueuer schedules intent jobs for the worker pool.
type Enqueuer interface {
	Enqueue(intentID string, delay time.Duration) error
}

// Dispatcher is the single consumer of the ingestor's trade channel.
type Dispatcher struct {
	store Store
	queue Enqueuer

	stopped chan struct{}
}

// New creates a dispatcher.
func New(store Store, queue Enqueuer) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, stopped: make(chan struct{})}
}

// Run drains the trade channel until it closes. All writes for one trade
// complete before the next one is read, so a slow store shows up as queue
// backpressure rather than reordering.
func (d *Dispatcher) Run(trades <-chan types.LeaderTrade) {
	defer close(d.stopped)
	for t := range trades {
		d.Dispatch(t)
	}
}

// Done is closed when the input channel has been fully drained.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// Dispatch persists one leader trade and fans it out to its followers.
// Replaying the same trade is harmless: the trade insert and every intent
// insert are idempotent.
func (d *Dispatcher) Dispatch(t types.LeaderTrade) {
	if err := d.store.InsertLeaderTrade(t); err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) && fe.Kind == faults.DuplicateObservation {
			// Already fanned out once. Re-running against the current
			// follow set would mint intents for follows created after
			// the trade was observed, so drop the duplicate outright.
			log.Debug().Str("trade", t.ID).Msg("Duplicate leader trade dropped")
			return
		}
		log.Error().Err(err).Str("trade", t.ID).Msg("Failed to persist leader trade")
		return
	}

	edges, err := d.store.FollowsOfLeader(t.Leader)
	if err != nil {
		log.Error().Err(err).Str("leader", t.Leader).Msg("Failed to load followers")
		return
	}
	if len(edges) == 0 {
		return
	}

	log.Info().
		Str("trade", t.ID).
		Str("leader", t.Leader).
		Str("side", t.Side).
		Str("notional", t.Notional.StringFixed(2)).
		Int("followers", len(edges)).
		Msg("📤 Dispatching leader trade")

	for _, edge := range edges {
		d.dispatchOne(t, edge)
	}
}

// dispatchOne produces exactly one intent row for a (trade, follow) pair.
// Filtered follows get a SKIPPED row so every pair is accounted for.
func (d *Dispatcher) dispatchOne(t types.LeaderTrade, edge database.FollowerEdge) {
	follow, risk := edge.Follow, edge.Risk

	intent := types.CopyIntent{
		IntentID:      types.IntentID(t.ID, follow.ID),
		LeaderTradeID: t.ID,
		FollowID:      follow.ID,
		Follower:      follow.Follower,
		MarketID:      t.MarketID,
		OutcomeIndex:  t.OutcomeIndex,
		Side:          t.Side,
		IntendedPrice: t.Price,
		ScheduledAt:   t.ObservedAt.Add(risk.CopyDelay),
	}

	if reason, ok := d.gate(t, follow.Policy, risk, &intent); !ok {
		intent.Status = types.StatusSkipped
		intent.Reason = reason
		if _, err := d.store.CreateIntent(intent); err != nil {
			log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to record skipped intent")
		}
		return
	}

	intent.Status = types.StatusPending
	created, err := d.store.CreateIntent(intent)
	if err != nil {
		log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to create intent")
		return
	}
	if !created {
		// Duplicate dispatch: the intent exists, so the job was already
		// enqueued once. Treat as success.
		return
	}

	delay := time.Until(intent.ScheduledAt)
	if err := d.queue.Enqueue(intent.IntentID, delay); err != nil {
		log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to enqueue intent")
	}
}

// gate applies the copy policy filters and the sizing chain. It fills in
// the intended notional on success, or returns the skip reason.
func (d *Dispatcher) gate(t types.LeaderTrade, policy types.CopyPolicy, risk types.RiskPolicy, intent *types.CopyIntent) (types.SkipReason, bool) {
	if !policy.Enabled || !risk.AutoCopyEnabled {
		return types.SkipDisabled, false
	}

	if ok, reason := policy.AllowsMarket(t.MarketID); !ok {
		return reason, false
	}
	if !policy.AllowsOutcome(t.OutcomeIndex) {
		return types.SkipOutcomeNotAllowed, false
	}

	hundred := decimal.NewFromInt(100)
	notional := t.Notional.Mul(policy.CopyPercentage).Div(hundred)
	if risk.MaxTradeAmount.IsPositive() && notional.GreaterThan(risk.MaxTradeAmount) {
		notional = risk.MaxTradeAmount
	}
	if risk.MaxCopyPercentage.IsPositive() {
		cap := t.Notional.Mul(risk.MaxCopyPercentage).Div(hundred)
		if notional.GreaterThan(cap) {
			notional = cap
		}
	}
	if !notional.IsPositive() || notional.LessThan(risk.MinTradeAmount) {
		return types.SkipBelowMin, false
	}

	intent.IntendedNotional = notional
	return "", true
}
