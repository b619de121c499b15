package types

import (
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Outcome indices for binary markets.
const (
	OutcomeYes = 0
	OutcomeNo  = 1
)

// OutcomeName maps an outcome index to its display name.
func OutcomeName(index int) string {
	if index == OutcomeNo {
		return "NO"
	}
	return "YES"
}

// IntentStatus is the lifecycle state of a CopyIntent.
type IntentStatus string

const (
	StatusPending    IntentStatus = "PENDING"
	StatusProcessing IntentStatus = "PROCESSING"
	StatusCompleted  IntentStatus = "COMPLETED"
	StatusFailed     IntentStatus = "FAILED"
	StatusSkipped    IntentStatus = "SKIPPED"
)

// CanTransitionTo reports whether the status graph allows the edge.
// PENDING → PROCESSING → {COMPLETED | FAILED}; PENDING → SKIPPED.
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusSkipped
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// SkipReason explains why an intent was skipped or failed terminally.
type SkipReason string

const (
	SkipDisabled          SkipReason = "disabled"
	SkipMarketNotAllowed  SkipReason = "market_not_allowed"
	SkipMarketExcluded    SkipReason = "market_excluded"
	SkipOutcomeNotAllowed SkipReason = "outcome_not_allowed"
	SkipBelowMin          SkipReason = "below_min"
	SkipPositionLimit     SkipReason = "position_limit"
	SkipDailyLossLimit    SkipReason = "daily_loss_limit"
	SkipOversize          SkipReason = "oversize"
	SkipDisabledAtExec    SkipReason = "disabled_at_exec"
	FailSlippage          SkipReason = "slippage"
	FailExchangeRejected  SkipReason = "exchange_rejected"
)

// Notifies reports whether a terminal outcome with this reason produces a
// user notification. Silent skips (disabled, market filters, below-min) do not.
func (r SkipReason) Notifies() bool {
	switch r {
	case SkipPositionLimit, SkipDailyLossLimit, SkipOversize, FailSlippage, FailExchangeRejected:
		return true
	}
	return false
}

// Leader is a wallet worth monitoring, with rolling stats.
type Leader struct {
	Address     string
	TotalVolume decimal.Decimal
	TotalTrades int64
	WinRate     decimal.Decimal // negative when unknown
	LastSeen    time.Time
}

// LeaderTrade is the observed originating event: an already-executed trade
// by a leader wallet. ID is the primary dedup key.
type LeaderTrade struct {
	ID           string
	Leader       string
	MarketID     string
	OutcomeIndex int
	Side         string
	Notional     decimal.Decimal
	Shares       decimal.Decimal
	Price        decimal.Decimal
	ObservedAt   time.Time
	TxHash       string
}

// CopyPolicy is the per-follow mirroring policy.
type CopyPolicy struct {
	Enabled        bool            `json:"enabled"`
	CopyPercentage decimal.Decimal `json:"copy_percentage"` // 0..100
	OnlyMarkets    []string        `json:"only_markets,omitempty"`
	ExcludeMarkets []string        `json:"exclude_markets,omitempty"`
	OnlyOutcomes   []string        `json:"only_outcomes,omitempty"` // subset of {YES, NO}
}

// AllowsMarket applies the whitelist then the blacklist.
func (p CopyPolicy) AllowsMarket(marketID string) (bool, SkipReason) {
	if len(p.OnlyMarkets) > 0 && !contains(p.OnlyMarkets, marketID) {
		return false, SkipMarketNotAllowed
	}
	if contains(p.ExcludeMarkets, marketID) {
		return false, SkipMarketExcluded
	}
	return true, ""
}

// AllowsOutcome checks the outcome filter against an outcome index.
func (p CopyPolicy) AllowsOutcome(index int) bool {
	if len(p.OnlyOutcomes) == 0 {
		return true
	}
	return contains(p.OnlyOutcomes, OutcomeName(index))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// RiskPolicy is the follower's account-wide risk policy. Zero-valued decimal
// limits mean "unset", except SlippageTolerance where zero admits only
// exact-price fills.
type RiskPolicy struct {
	MaxCopyPercentage decimal.Decimal `json:"max_copy_percentage"`
	MinTradeAmount    decimal.Decimal `json:"min_trade_amount"`
	MaxTradeAmount    decimal.Decimal `json:"max_trade_amount"`
	MaxOpenPositions  int             `json:"max_open_positions"`
	MaxDailyLoss      decimal.Decimal `json:"max_daily_loss"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"` // 0..1
	CopyDelay         time.Duration   `json:"copy_delay"`
	AutoCopyEnabled   bool            `json:"auto_copy_enabled"`
}

// Follow is the follower→leader subscription edge.
type Follow struct {
	ID        string
	Follower  string
	Leader    string
	Policy    CopyPolicy
	Enabled   bool
	CreatedAt time.Time
}

// CopyIntent is the decision to mirror one LeaderTrade for one follower.
type CopyIntent struct {
	IntentID         string
	LeaderTradeID    string
	FollowID         string
	Follower         string
	MarketID         string
	OutcomeIndex     int
	Side             string
	IntendedNotional decimal.Decimal
	IntendedPrice    decimal.Decimal
	ScheduledAt      time.Time
	Status           IntentStatus
	Reason           SkipReason
	CreatedAt        time.Time
}

// CopiedTrade is the executed outcome of a CopyIntent.
type CopiedTrade struct {
	IntentID       string
	ExecutedPrice  decimal.Decimal
	ExecutedShares decimal.Decimal
	Fee            decimal.Decimal
	Status         IntentStatus
	TxRef          string
	Error          string
	ExecutedAt     time.Time
}

// IntentID derives the deterministic idempotency key for a
// (leader trade, follow) pair.
func IntentID(leaderTradeID, followID string) string {
	return crypto.Keccak256Hash([]byte(leaderTradeID), []byte{':'}, []byte(followID)).Hex()
}
