package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"polycopy/internal/faults"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET CLOB CLIENT
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultCLOBURL is the production CLOB endpoint.
const DefaultCLOBURL = "https://clob.polymarket.com"

// CLOBConfig configures the CLOB client.
type CLOBConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	PrivateKey string // hex, optional in dry run
	DryRun     bool
	Timeout    time.Duration
}

// CLOB submits orders to the Polymarket CLOB API. In dry-run mode it returns
// deterministic receipts without touching the network, keyed off the order's
// idempotency key so a retried intent gets the same reference.
type CLOB struct {
	cfg        CLOBConfig
	privateKey *ecdsa.PrivateKey
	address    string
	httpClient *http.Client
}

// NewCLOB creates the client. A private key is required for live mode.
func NewCLOB(cfg CLOBConfig) (*CLOB, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCLOBURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &CLOB{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("private key required for live trading")
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("address", c.address).
		Msg("🚀 Exchange client initialized")

	return c, nil
}

// Submit places one order. The idempotency key rides along as the client
// order id so the venue can collapse retried submissions.
func (c *CLOB) Submit(ctx context.Context, order Order) (Receipt, error) {
	if c.cfg.DryRun {
		ref := "DRY_" + crypto.Keccak256Hash([]byte(order.IdempotencyKey)).Hex()[2:18]
		log.Info().
			Str("order_ref", ref).
			Str("market", order.MarketID).
			Str("side", order.Side).
			Str("price", order.Price.StringFixed(4)).
			Str("shares", order.Shares.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return Receipt{OrderRef: ref, SubmittedAt: time.Now().UTC()}, nil
	}

	payload := map[string]interface{}{
		"clientOrderID": order.IdempotencyKey,
		"maker":         order.Maker,
		"market":        order.MarketID,
		"outcomeIndex":  order.OutcomeIndex,
		"side":          order.Side,
		"price":         order.Price.String(),
		"size":          order.Shares.String(),
		"expiration":    time.Now().Add(24 * time.Hour).Unix(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(payload)
	if err != nil {
		return Receipt{}, faults.New(faults.Internal, err)
	}
	payload["signature"] = signature

	body, status, err := c.post(ctx, "/order", payload)
	if err != nil {
		return Receipt{}, faults.New(faults.ExchangeTransient, err)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return Receipt{}, faults.Newf(faults.ExchangeTransient, "HTTP %d: %s", status, string(body))
	}
	if status >= 400 {
		return Receipt{}, faults.Newf(faults.ExchangeRejected, "HTTP %d: %s", status, string(body))
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Receipt{}, faults.Newf(faults.ExchangeTransient, "parse response: %v", err)
	}
	if result.Error != "" {
		return Receipt{}, faults.Newf(faults.ExchangeRejected, "API error: %s", result.Error)
	}

	log.Info().
		Str("order_ref", result.OrderID).
		Str("status", result.Status).
		Msg("✅ Order placed")

	return Receipt{OrderRef: result.OrderID, SubmittedAt: time.Now().UTC()}, nil
}

func (c *CLOB) post(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *CLOB) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.cfg.APIKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.cfg.Passphrase)

	if c.cfg.APISecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *CLOB) signOrder(payload map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}
	orderBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(orderBytes), c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func (c *CLOB) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.cfg.APISecret))
	return hexutil.Encode(hash)
}
