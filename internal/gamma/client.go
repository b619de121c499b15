// Package gamma is the client for the upstream market/trade data source.
// Markets come from the gamma REST API, wallet trades from the data API.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/faults"
)

// Market is a market record, trimmed to the fields the relay consumes.
type Market struct {
	ID            string
	Question      string
	Outcomes      []string
	OutcomePrices []decimal.Decimal
	Active        bool
	Closed        bool
	Volume        decimal.Decimal
	Liquidity     decimal.Decimal
	EndDate       time.Time
}

// Live reports whether the market is tradeable.
func (m Market) Live() bool {
	return m.Active && !m.Closed
}

// WalletTrade is one executed trade from the data API.
type WalletTrade struct {
	ID           string
	MarketID     string
	MakerAddress string
	Side         string // BUY or SELL
	OutcomeIndex int
	Price        decimal.Decimal
	Size         decimal.Decimal // shares
	Timestamp    time.Time
	TxHash       string
}

// Client wraps the two upstream REST endpoints behind one collaborator.
type Client struct {
	gamma *resty.Client
	data  *resty.Client
}

// New builds a client for the given base URLs with a shared per-call timeout.
func New(gammaURL, dataURL string, timeout time.Duration) *Client {
	return &Client{
		gamma: resty.New().SetBaseURL(gammaURL).SetTimeout(timeout),
		data:  resty.New().SetBaseURL(dataURL).SetTimeout(timeout),
	}
}

type marketJSON struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Outcomes      string `json:"outcomes"`      // JSON-encoded string array
	OutcomePrices string `json:"outcomePrices"` // JSON-encoded string array
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	Volume        string `json:"volume"`
	Liquidity     string `json:"liquidity"`
	EndDate       string `json:"endDate"`
}

// ListMarkets returns active markets from the gamma API.
func (c *Client) ListMarkets(ctx context.Context) ([]Market, error) {
	var raw []marketJSON
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("active", "true").
		SetResult(&raw).
		Get("/markets")
	if err != nil {
		return nil, faults.New(faults.UpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, faults.Newf(faults.UpstreamUnavailable, "list markets: HTTP %d", resp.StatusCode())
	}

	markets := make([]Market, 0, len(raw))
	for _, r := range raw {
		m, err := parseMarket(r)
		if err != nil {
			log.Warn().Err(err).Str("market", r.ID).Msg("Dropping malformed market record")
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func parseMarket(r marketJSON) (Market, error) {
	if r.ID == "" {
		return Market{}, faults.Newf(faults.UpstreamBadData, "market missing id")
	}

	m := Market{
		ID:       r.ID,
		Question: r.Question,
		Active:   r.Active,
		Closed:   r.Closed,
	}

	if r.Outcomes != "" {
		if err := json.Unmarshal([]byte(r.Outcomes), &m.Outcomes); err != nil {
			return Market{}, faults.Newf(faults.UpstreamBadData, "market %s outcomes: %v", r.ID, err)
		}
	}
	if r.OutcomePrices != "" {
		var prices []string
		if err := json.Unmarshal([]byte(r.OutcomePrices), &prices); err != nil {
			return Market{}, faults.Newf(faults.UpstreamBadData, "market %s prices: %v", r.ID, err)
		}
		for _, p := range prices {
			d, err := decimal.NewFromString(p)
			if err != nil {
				return Market{}, faults.Newf(faults.UpstreamBadData, "market %s price %q: %v", r.ID, p, err)
			}
			m.OutcomePrices = append(m.OutcomePrices, d)
		}
	}

	m.Volume, _ = decimal.NewFromString(r.Volume)
	m.Liquidity, _ = decimal.NewFromString(r.Liquidity)
	if r.EndDate != "" {
		m.EndDate, _ = time.Parse(time.RFC3339, r.EndDate)
	}
	return m, nil
}

type tradeJSON struct {
	ID           string  `json:"id"`
	MarketID     string  `json:"market_id"`
	MakerAddress string  `json:"maker_address"`
	Side         string  `json:"side"`
	OutcomeIndex int     `json:"outcome_index"`
	Price        string  `json:"price"`
	Size         string  `json:"size"`
	Timestamp    float64 `json:"timestamp"` // unix seconds
	TxHash       string  `json:"tx_hash"`
}

// TradesByWallet returns the most recent trades for a wallet, newest first.
func (c *Client) TradesByWallet(ctx context.Context, addr string, limit int) ([]WalletTrade, error) {
	var raw []tradeJSON
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  strings.ToLower(addr),
			"limit": fmt.Sprintf("%d", limit),
		}).
		SetResult(&raw).
		Get("/trades")
	if err != nil {
		return nil, faults.New(faults.UpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, faults.Newf(faults.UpstreamUnavailable, "trades for %s: HTTP %d", addr, resp.StatusCode())
	}

	trades := make([]WalletTrade, 0, len(raw))
	for _, r := range raw {
		t, err := parseTrade(r)
		if err != nil {
			log.Warn().Err(err).Str("trade", r.ID).Msg("Dropping malformed trade record")
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseTrade(r tradeJSON) (WalletTrade, error) {
	if r.ID == "" || r.MarketID == "" || r.MakerAddress == "" {
		return WalletTrade{}, faults.Newf(faults.UpstreamBadData, "trade missing required field")
	}
	side := strings.ToUpper(r.Side)
	if side != "BUY" && side != "SELL" {
		return WalletTrade{}, faults.Newf(faults.UpstreamBadData, "trade %s side %q", r.ID, r.Side)
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil || price.IsZero() {
		return WalletTrade{}, faults.Newf(faults.UpstreamBadData, "trade %s price %q", r.ID, r.Price)
	}
	size, err := decimal.NewFromString(r.Size)
	if err != nil {
		return WalletTrade{}, faults.Newf(faults.UpstreamBadData, "trade %s size %q", r.ID, r.Size)
	}
	if r.OutcomeIndex != 0 && r.OutcomeIndex != 1 {
		return WalletTrade{}, faults.Newf(faults.UpstreamBadData, "trade %s outcome %d", r.ID, r.OutcomeIndex)
	}

	return WalletTrade{
		ID:           r.ID,
		MarketID:     r.MarketID,
		MakerAddress: strings.ToLower(r.MakerAddress),
		Side:         side,
		OutcomeIndex: r.OutcomeIndex,
		Price:        price,
		Size:         size,
		Timestamp:    time.Unix(int64(r.Timestamp), 0).UTC(),
		TxHash:       r.TxHash,
	}, nil
}

// RecentTrades returns the most recent trades across all wallets, newest
// first. The leader detector aggregates these by maker address.
func (c *Client) RecentTrades(ctx context.Context, limit int) ([]WalletTrade, error) {
	var raw []tradeJSON
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&raw).
		Get("/trades")
	if err != nil {
		return nil, faults.New(faults.UpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, faults.Newf(faults.UpstreamUnavailable, "recent trades: HTTP %d", resp.StatusCode())
	}

	trades := make([]WalletTrade, 0, len(raw))
	for _, r := range raw {
		t, err := parseTrade(r)
		if err != nil {
			log.Warn().Err(err).Str("trade", r.ID).Msg("Dropping malformed trade record")
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Midpoint returns the live price for one outcome of a market.
func (c *Client) Midpoint(ctx context.Context, marketID string, outcomeIndex int) (decimal.Decimal, error) {
	var raw marketJSON
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/markets/" + marketID)
	if err != nil {
		return decimal.Zero, faults.New(faults.UpstreamUnavailable, err)
	}
	if resp.IsError() {
		return decimal.Zero, faults.Newf(faults.UpstreamUnavailable, "market %s: HTTP %d", marketID, resp.StatusCode())
	}

	m, err := parseMarket(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if outcomeIndex < 0 || outcomeIndex >= len(m.OutcomePrices) {
		return decimal.Zero, faults.Newf(faults.UpstreamBadData, "market %s has no price for outcome %d", marketID, outcomeIndex)
	}
	return m.OutcomePrices[outcomeIndex], nil
}
