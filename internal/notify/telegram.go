package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM - copy outcome alerts & control commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Commands:
//   📊 /stats            - intent counts, queue depth, leader count
//   ℹ️ /status           - one-line liveness summary
//   🤝 /follow           - create a follow edge
//   ✂️ /unfollow         - remove a follow edge
//   🎛️ /autocopy         - toggle a follower's auto copy
//
// ═══════════════════════════════════════════════════════════════════════════════

// Stats is the operational snapshot rendered by /stats.
type Stats struct {
	Leaders    int
	QueueDepth int64
	Intents    map[string]int64
}

// Controller is the control surface the command loop drives.
type Controller interface {
	Stats() (Stats, error)
	Follow(follower, leader, copyPercent string) (string, error)
	Unfollow(follower, leader string) error
	SetAutoCopy(follower string, enabled bool) error
}

// Telegram forwards notifications to a Telegram chat and serves control
// commands from it. Sends are queued on a buffered channel; when the buffer
// is full the event is dropped rather than stalling the caller.
type Telegram struct {
	api        *tgbotapi.BotAPI
	chatID     int64
	controller Controller

	queue    chan Event
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	cmdDone  chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewTelegram connects the bot and starts the send loop. A nil controller
// disables the command loop.
func NewTelegram(token, chatIDStr string, controller Controller) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	t := &Telegram{
		api:        api,
		chatID:     chatID,
		controller: controller,
		queue:      make(chan Event, 64),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		cmdDone:    make(chan struct{}),
	}
	go t.sendLoop()

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier started")
	return t, nil
}

// Start begins listening for commands.
func (t *Telegram) Start() {
	t.mu.Lock()
	if t.running || t.controller == nil {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.commandLoop()
	log.Info().Msg("📱 Telegram command loop started")
}

// Notify queues one event. Non-blocking.
func (t *Telegram) Notify(user, kind, message string) {
	select {
	case t.queue <- Event{User: user, Kind: kind, Message: message}:
	default:
		log.Warn().Str("kind", kind).Msg("Telegram queue full, dropping notification")
	}
}

// Stop drains the queue and shuts down both loops.
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.done

	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if running {
		<-t.cmdDone
	}
}

func (t *Telegram) commandLoop() {
	defer close(t.cmdDone)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-t.stopCh:
			t.api.StopReceivingUpdates()
			return
		case update := <-updates:
			msg := update.Message
			if msg == nil || msg.Chat.ID != t.chatID || !msg.IsCommand() {
				continue
			}
			reply := commandReply(t.controller, msg.Command(), msg.CommandArguments())
			t.reply(reply)
		}
	}
}

// commandReply renders the response for one command. Split out from the
// update loop so command handling is testable without a live bot.
func commandReply(ctrl Controller, command, args string) string {
	fields := strings.Fields(args)

	switch command {
	case "stats":
		stats, err := ctrl.Stats()
		if err != nil {
			return fmt.Sprintf("⚠️ stats unavailable: %v", err)
		}
		var b strings.Builder
		b.WriteString("📊 Relay stats\n")
		fmt.Fprintf(&b, "Leaders: %d\n", stats.Leaders)
		fmt.Fprintf(&b, "Queue depth: %d\n", stats.QueueDepth)
		for _, status := range []string{"PENDING", "PROCESSING", "COMPLETED", "FAILED", "SKIPPED"} {
			if n, ok := stats.Intents[status]; ok {
				fmt.Fprintf(&b, "%s: %d\n", status, n)
			}
		}
		return strings.TrimRight(b.String(), "\n")

	case "status":
		stats, err := ctrl.Stats()
		if err != nil {
			return fmt.Sprintf("⚠️ relay up, stats unavailable: %v", err)
		}
		return fmt.Sprintf("✅ Relay up | %d leaders | %d queued", stats.Leaders, stats.QueueDepth)

	case "follow":
		if len(fields) < 2 {
			return "Usage: /follow <follower> <leader> [copy%]"
		}
		pct := "100"
		if len(fields) >= 3 {
			pct = fields[2]
		}
		id, err := ctrl.Follow(fields[0], fields[1], pct)
		if err != nil {
			return fmt.Sprintf("⚠️ follow failed: %v", err)
		}
		return fmt.Sprintf("🤝 Following %s at %s%% (id %s)", fields[1], pct, id)

	case "unfollow":
		if len(fields) < 2 {
			return "Usage: /unfollow <follower> <leader>"
		}
		if err := ctrl.Unfollow(fields[0], fields[1]); err != nil {
			return fmt.Sprintf("⚠️ unfollow failed: %v", err)
		}
		return fmt.Sprintf("✂️ Unfollowed %s", fields[1])

	case "autocopy":
		if len(fields) < 2 || (fields[1] != "on" && fields[1] != "off") {
			return "Usage: /autocopy <follower> on|off"
		}
		enabled := fields[1] == "on"
		if err := ctrl.SetAutoCopy(fields[0], enabled); err != nil {
			return fmt.Sprintf("⚠️ autocopy update failed: %v", err)
		}
		if enabled {
			return "🎛️ Auto copy enabled"
		}
		return "🎛️ Auto copy disabled"

	default:
		return "Commands: /stats /status /follow /unfollow /autocopy"
	}
}

func (t *Telegram) reply(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram reply failed")
	}
}

func (t *Telegram) sendLoop() {
	defer close(t.done)
	for {
		select {
		case ev := <-t.queue:
			t.send(ev)
		case <-t.stopCh:
			for {
				select {
				case ev := <-t.queue:
					t.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Telegram) send(ev Event) {
	text := fmt.Sprintf("%s %s\n👤 %s\n%s", kindEmoji(ev.Kind), ev.Kind, ev.User, ev.Message)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("kind", ev.Kind).Msg("Telegram send failed")
	}
}

func kindEmoji(kind string) string {
	switch kind {
	case KindTradeExecuted:
		return "✅"
	case KindTradeFailed:
		return "❌"
	case KindTradeSkipped:
		return "⚠️"
	case KindNewFollower:
		return "🤝"
	}
	return "🔔"
}
