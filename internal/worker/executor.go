// Package worker drains the intent queue and executes admitted copy trades.
// The executor is the only component that talks to the exchange; everything
// it decides is re-checked against the store, never against cached state.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/database"
	"polycopy/internal/exchange"
	"polycopy/internal/faults"
	"polycopy/internal/notify"
	"polycopy/internal/types"
)

// Store is the slice of the database the executor uses.
type Store interface {
	GetIntent(intentID string) (types.CopyIntent, error)
	AdmitIntent(intentID string) (types.CopyIntent, database.AdmitOutcome, types.SkipReason, error)
	GetRiskPolicy(follower string) (types.RiskPolicy, error)
	MarkCompleted(ct types.CopiedTrade) error
	MarkFailed(ct types.CopiedTrade, reason types.SkipReason) error
}

// Pricer supplies the live market price at execution time.
type Pricer interface {
	Midpoint(ctx context.Context, marketID string, outcomeIndex int) (decimal.Decimal, error)
}

// Disposition tells the pool what to do with the reserved job.
type Disposition int

const (
	// Done acknowledges the job; it will not be redelivered.
	Done Disposition = iota
	// Retry returns the job for redelivery with backoff.
	Retry
	// Abandon dead-letters the job immediately.
	Abandon
)

// Executor processes one reserved job end to end.
type Executor struct {
	store    Store
	pricer   Pricer
	exchange exchange.Exchange
	notifier notify.Notifier
}

// NewExecutor wires the execution path.
func NewExecutor(store Store, pricer Pricer, ex exchange.Exchange, notifier notify.Notifier) *Executor {
	return &Executor{store: store, pricer: pricer, exchange: ex, notifier: notifier}
}

// Process runs the admission gate and the order submission for one intent.
// Redelivery of a finished intent is acknowledged without side effects.
func (e *Executor) Process(ctx context.Context, intentID string) Disposition {
	intent, outcome, reason, err := e.store.AdmitIntent(intentID)
	if err != nil {
		log.Error().Err(err).Str("intent", intentID).Msg("Admission failed")
		return Retry
	}

	switch outcome {
	case database.AdmitSkipped:
		log.Info().
			Str("intent", intentID).
			Str("reason", string(reason)).
			Msg("⚠️ Intent skipped at execution")
		if reason.Notifies() {
			e.notifier.Notify(intent.Follower, notify.KindTradeSkipped,
				fmt.Sprintf("Copy of %s %s skipped: %s", intent.Side, intent.MarketID, reason))
		}
		return Done

	case database.AlreadyTerminal:
		if intent.Status != types.StatusProcessing {
			// Finished on a previous delivery.
			return Done
		}
		// Admitted before a crash with the order outcome unknown. Resume:
		// the idempotency key lets the venue collapse a double submit.
		log.Warn().Str("intent", intentID).Msg("Resuming in-flight intent")
	}

	return e.execute(ctx, intent)
}

func (e *Executor) execute(ctx context.Context, intent types.CopyIntent) Disposition {
	risk, err := e.store.GetRiskPolicy(intent.Follower)
	if err != nil {
		log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to load risk policy")
		return Retry
	}

	live, err := e.pricer.Midpoint(ctx, intent.MarketID, intent.OutcomeIndex)
	if err != nil {
		log.Warn().Err(err).Str("intent", intent.IntentID).Msg("Live price unavailable")
		return Retry
	}

	if exceedsSlippage(intent.IntendedPrice, live, risk.SlippageTolerance) {
		return e.fail(intent, types.FailSlippage,
			fmt.Sprintf("price moved %s -> %s", intent.IntendedPrice.StringFixed(4), live.StringFixed(4)))
	}

	shares := intent.IntendedNotional.Div(live)
	receipt, err := e.exchange.Submit(ctx, exchange.Order{
		IdempotencyKey: intent.IntentID,
		MarketID:       intent.MarketID,
		OutcomeIndex:   intent.OutcomeIndex,
		Side:           intent.Side,
		Price:          live,
		Shares:         shares,
		Maker:          intent.Follower,
	})
	if err != nil {
		if faults.Transient(err) {
			log.Warn().Err(err).Str("intent", intent.IntentID).Msg("Exchange submit failed, retrying")
			return Retry
		}
		return e.fail(intent, types.FailExchangeRejected, err.Error())
	}

	ct := types.CopiedTrade{
		IntentID:       intent.IntentID,
		ExecutedPrice:  live,
		ExecutedShares: shares,
		Fee:            receipt.Fee,
		TxRef:          receipt.OrderRef,
		ExecutedAt:     receipt.SubmittedAt,
	}
	if err := e.store.MarkCompleted(ct); err != nil {
		log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to record completion")
		return Retry
	}

	log.Info().
		Str("intent", intent.IntentID).
		Str("follower", intent.Follower).
		Str("side", intent.Side).
		Str("price", live.StringFixed(4)).
		Str("shares", shares.StringFixed(2)).
		Str("order_ref", receipt.OrderRef).
		Msg("✅ Copy trade executed")

	e.notifier.Notify(intent.Follower, notify.KindTradeExecuted,
		fmt.Sprintf("%s %s of %s @ %s (%s shares)",
			intent.Side, types.OutcomeName(intent.OutcomeIndex), intent.MarketID,
			live.StringFixed(4), shares.StringFixed(2)))

	return Done
}

func (e *Executor) fail(intent types.CopyIntent, reason types.SkipReason, detail string) Disposition {
	ct := types.CopiedTrade{
		IntentID:   intent.IntentID,
		Error:      detail,
		ExecutedAt: time.Now().UTC(),
	}
	if err := e.store.MarkFailed(ct, reason); err != nil {
		log.Error().Err(err).Str("intent", intent.IntentID).Msg("Failed to record failure")
		return Retry
	}

	log.Warn().
		Str("intent", intent.IntentID).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("❌ Copy trade failed")

	if reason.Notifies() {
		e.notifier.Notify(intent.Follower, notify.KindTradeFailed,
			fmt.Sprintf("Copy of %s %s failed: %s (%s)", intent.Side, intent.MarketID, reason, detail))
	}
	return Done
}

// exceedsSlippage checks the relative drift of the live price against the
// observed price. Zero tolerance admits only exact-price fills.
func exceedsSlippage(intended, live, tolerance decimal.Decimal) bool {
	if intended.IsZero() {
		return false
	}
	drift := live.Sub(intended).Abs().Div(intended)
	return drift.GreaterThan(tolerance)
}
