package ingest

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/gamma"
)

const (
	pingInterval      = 30 * time.Second
	reconnectBase     = time.Second
	reconnectCap      = 60 * time.Second
	maxReconnectTries = 10
)

// TradeHandler receives parsed trades for a subscribed wallet.
type TradeHandler func(gamma.WalletTrade)

// Stream multiplexes per-wallet trade subscriptions over one websocket
// connection. Reconnection is the client's responsibility; after the retry
// budget is exhausted the stream declares itself dead so the ingestor can
// drop its leaders to polling.
type Stream struct {
	url string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	subs      map[string]TradeHandler

	// Serializes all writes on the connection; gorilla/websocket allows
	// one concurrent writer.
	writeMu sync.Mutex

	stopCh   chan struct{}
	deadCh   chan struct{}
	deadOnce sync.Once
	running  bool
	wg       sync.WaitGroup
}

// NewStream creates a stream client for the given websocket URL.
func NewStream(url string) *Stream {
	return &Stream{
		url:    url,
		subs:   make(map[string]TradeHandler),
		stopCh: make(chan struct{}),
		deadCh: make(chan struct{}),
	}
}

// Start begins the connection loop.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectionLoop()
	}()
	log.Info().Str("url", s.url).Msg("📡 Trade stream started")
}

// Stop closes the connection and waits for the read loop to return, so no
// handler runs after Stop.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

// Dead is closed when the reconnect budget is exhausted.
func (s *Stream) Dead() <-chan struct{} {
	return s.deadCh
}

// Subscribe registers a wallet subscription and sends the subscribe frame
// if connected. Subscriptions are replayed after every reconnect.
func (s *Stream) Subscribe(addr string, h TradeHandler) error {
	addr = strings.ToLower(addr)

	s.mu.Lock()
	s.subs[addr] = h
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeFrame{Type: "subscribe", Channel: "wallet_trades", Key: addr})
}

// Unsubscribe removes a wallet subscription.
func (s *Stream) Unsubscribe(addr string) {
	addr = strings.ToLower(addr)

	s.mu.Lock()
	delete(s.subs, addr)
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected && conn != nil {
		s.writeJSON(conn, subscribeFrame{Type: "unsubscribe", Channel: "wallet_trades", Key: addr})
	}
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Stream) writePing(conn *websocket.Conn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Stream) connectionLoop() {
	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			attempts++
			if attempts >= maxReconnectTries {
				log.Error().Int("attempts", attempts).Msg("Trade stream dead, falling back to polling")
				s.deadOnce.Do(func() { close(s.deadCh) })
				return
			}
			delay := backoff(attempts)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Stream connect failed")
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		s.readLoop()

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectBase):
		}
	}
}

func backoff(attempts int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	return d
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	subs := make([]string, 0, len(s.subs))
	for addr := range s.subs {
		subs = append(subs, addr)
	}
	s.mu.Unlock()

	// Replay subscriptions after reconnect.
	for _, addr := range subs {
		if err := s.writeJSON(conn, subscribeFrame{Type: "subscribe", Channel: "wallet_trades", Key: addr}); err != nil {
			log.Warn().Err(err).Str("wallet", addr).Msg("Resubscribe failed")
		}
	}

	log.Info().Int("subscriptions", len(subs)).Msg("🔌 Trade stream connected")

	go s.pingLoop(conn)
	return nil
}

// pingLoop heartbeats one connection and exits once that connection is no
// longer current, so a reconnect never accumulates ping loops.
func (s *Stream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			connected := s.connected
			s.mu.RUnlock()

			if !connected || current != conn {
				return
			}
			s.writePing(conn)
		}
	}
}

func (s *Stream) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Stream read error")
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}

		s.processMessage(message)
	}
}

type streamTrade struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	MarketID     string `json:"market_id"`
	MakerAddress string `json:"maker_address"`
	Side         string `json:"side"`
	OutcomeIndex int    `json:"outcome_index"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Timestamp    int64  `json:"timestamp"`
	TxHash       string `json:"tx_hash"`
}

func (s *Stream) processMessage(data []byte) {
	var msgs []streamTrade
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg streamTrade
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []streamTrade{msg}
	}

	for _, msg := range msgs {
		if msg.EventType != "trade" {
			continue
		}
		trade, ok := parseStreamTrade(msg)
		if !ok {
			log.Warn().Str("trade", msg.ID).Msg("Dropping malformed stream trade")
			continue
		}

		s.mu.RLock()
		handler := s.subs[trade.MakerAddress]
		s.mu.RUnlock()
		if handler != nil {
			handler(trade)
		}
	}
}

func parseStreamTrade(msg streamTrade) (gamma.WalletTrade, bool) {
	if msg.ID == "" || msg.MarketID == "" || msg.MakerAddress == "" {
		return gamma.WalletTrade{}, false
	}
	side := strings.ToUpper(msg.Side)
	if side != "BUY" && side != "SELL" {
		return gamma.WalletTrade{}, false
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.IsZero() {
		return gamma.WalletTrade{}, false
	}
	size, err := decimal.NewFromString(msg.Size)
	if err != nil {
		return gamma.WalletTrade{}, false
	}
	if msg.OutcomeIndex != 0 && msg.OutcomeIndex != 1 {
		return gamma.WalletTrade{}, false
	}
	return gamma.WalletTrade{
		ID:           msg.ID,
		MarketID:     msg.MarketID,
		MakerAddress: strings.ToLower(msg.MakerAddress),
		Side:         side,
		OutcomeIndex: msg.OutcomeIndex,
		Price:        price,
		Size:         size,
		Timestamp:    time.Unix(msg.Timestamp, 0).UTC(),
		TxHash:       msg.TxHash,
	}, true
}
