// Package exchange places mirrored orders on the Polymarket CLOB.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is one mirrored order to submit. IdempotencyKey is stable across
// retries of the same intent; the venue deduplicates on it.
type Order struct {
	IdempotencyKey string
	MarketID       string
	OutcomeIndex   int
	Side           string
	Price          decimal.Decimal
	Shares         decimal.Decimal
	Maker          string
}

// Receipt is the venue's acknowledgement of an accepted order.
type Receipt struct {
	OrderRef    string
	Fee         decimal.Decimal
	SubmittedAt time.Time
}

// Exchange submits orders. Errors carry a fault kind: transient failures
// (timeouts, 429, 5xx) are retried by the worker, rejections are terminal.
type Exchange interface {
	Submit(ctx context.Context, order Order) (Receipt, error)
}
