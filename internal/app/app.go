// Package app assembles the relay: detection, ingestion, dispatch, the
// worker pool and notifications, wired over one shared store.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/database"
	"polycopy/internal/detector"
	"polycopy/internal/dispatch"
	"polycopy/internal/exchange"
	"polycopy/internal/gamma"
	"polycopy/internal/ingest"
	"polycopy/internal/notify"
	"polycopy/internal/queue"
	"polycopy/internal/types"
	"polycopy/internal/worker"
)

// App is the running relay.
type App struct {
	cfg *config.Config

	db         *database.Database
	gamma      *gamma.Client
	detector   *detector.Detector
	ingestor   *ingest.Ingestor
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	pool       *worker.Pool
	notifier   *notify.Service
	telegram   *notify.Telegram

	cancel context.CancelFunc
}

// New builds the full object graph from configuration.
func New(cfg *config.Config) (*App, error) {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	gammaClient := gamma.New(cfg.GammaAPIURL, cfg.DataAPIURL, cfg.HTTPTimeout)

	det := detector.New(gammaClient, db, detector.Config{
		Interval:   cfg.DetectorInterval,
		MinVolume:  cfg.MinVolume,
		MinTrades:  cfg.MinTrades,
		MinWinRate: cfg.MinWinRate,
	})

	stream := ingest.NewStream(cfg.CLOBWSURL)
	ingestor := ingest.New(stream, gammaClient, ingest.Config{
		PollInterval: cfg.PollInterval,
		PollLimit:    cfg.PollTradeLimit,
		DedupSize:    cfg.DedupLRUSize,
	})

	q := queue.New(db, queue.Config{
		MaxAttempts:       cfg.QueueMaxAttempts,
		RetryBase:         cfg.QueueRetryBase,
		RetryCap:          cfg.QueueRetryCap,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})

	dispatcher := dispatch.New(db, q)

	clob, err := exchange.NewCLOB(exchange.CLOBConfig{
		BaseURL:    cfg.CLOBURL,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		PrivateKey: cfg.WalletKey,
		DryRun:     cfg.DryRun,
		Timeout:    cfg.ExchangeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange client: %w", err)
	}

	a := &App{
		cfg:        cfg,
		db:         db,
		gamma:      gammaClient,
		detector:   det,
		ingestor:   ingestor,
		dispatcher: dispatcher,
		queue:      q,
	}

	// The app itself is the control surface behind the Telegram commands.
	sinks := []notify.Notifier{}
	if cfg.TelegramToken != "" {
		a.telegram, err = notify.NewTelegram(cfg.TelegramToken, fmt.Sprintf("%d", cfg.TelegramChatID), a)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sinks = append(sinks, a.telegram)
	}
	a.notifier = notify.NewService(db, sinks...)

	executor := worker.NewExecutor(db, gammaClient, clob, a.notifier)
	a.pool = worker.NewPool(q, executor, cfg.WorkerConcurrency)

	return a, nil
}

// Start brings the relay up. Persisted leaders are attached before the first
// detection cycle so ingestion resumes across restarts.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.pool.Start(ctx)
	go a.dispatcher.Run(a.ingestor.Out())

	leaders, err := a.db.GetLeaders()
	if err != nil {
		return fmt.Errorf("load leaders: %w", err)
	}
	initial := make([]string, 0, len(leaders))
	for _, l := range leaders {
		initial = append(initial, l.Address)
	}

	a.ingestor.Start(ctx, initial)
	a.detector.Subscribe(a.ingestor.OnLeaderDelta)
	a.detector.Start(ctx)

	if a.telegram != nil {
		a.telegram.Start()
	}

	log.Info().Bool("dry_run", a.cfg.DryRun).Msg("🚀 Copy relay started")
	return nil
}

// Shutdown stops intake first, lets the dispatcher drain, then stops the
// workers after their in-flight jobs finish. Unprocessed jobs stay queued.
func (a *App) Shutdown() {
	log.Info().Msg("Shutting down...")

	a.detector.Stop()
	a.ingestor.Stop()
	<-a.dispatcher.Done()
	a.pool.Stop()
	if a.telegram != nil {
		a.telegram.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	log.Info().Msg("Shutdown complete")
}

// FollowID derives the deterministic id for a follower→leader edge.
func FollowID(follower, leader string) string {
	follower = strings.ToLower(follower)
	leader = strings.ToLower(leader)
	return crypto.Keccak256Hash([]byte(follower), []byte{'>'}, []byte(leader)).Hex()
}

// AddFollow creates a follow edge and attaches the leader to ingestion.
// Intents for trades observed before the edge existed are never created.
func (a *App) AddFollow(follower, leader string, policy types.CopyPolicy) (string, error) {
	f := types.Follow{
		ID:        FollowID(follower, leader),
		Follower:  strings.ToLower(follower),
		Leader:    strings.ToLower(leader),
		Policy:    policy,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.db.CreateFollow(f); err != nil {
		return "", err
	}

	a.ingestor.Attach(f.Leader)
	a.notifier.Notify(f.Follower, notify.KindNewFollower,
		fmt.Sprintf("Now copying %s", f.Leader))

	log.Info().Str("follower", f.Follower).Str("leader", f.Leader).Msg("Follow created")
	return f.ID, nil
}

// RemoveFollow deletes the edge. Intents already enqueued are left to the
// executor, which re-reads the follower's state before submitting.
func (a *App) RemoveFollow(follower, leader string) error {
	leader = strings.ToLower(leader)
	if err := a.db.DeleteFollow(FollowID(follower, leader)); err != nil {
		return err
	}

	// Detach the leader only when nobody follows it and the detector does
	// not track it either.
	edges, err := a.db.FollowsOfLeader(leader)
	if err == nil && len(edges) == 0 && !a.detector.IsLeader(leader) {
		a.ingestor.Detach(leader)
	}

	log.Info().Str("follower", strings.ToLower(follower)).Str("leader", leader).Msg("Follow removed")
	return nil
}

// SetFollowPolicy replaces the copy policy on an existing edge. Takes effect
// for the next observed trade.
func (a *App) SetFollowPolicy(follower, leader string, policy types.CopyPolicy) error {
	return a.db.UpdateFollowPolicy(FollowID(follower, leader), policy)
}

// SetRiskPolicy replaces the follower's account-wide risk policy.
func (a *App) SetRiskPolicy(follower string, p types.RiskPolicy) error {
	return a.db.SetRiskPolicy(follower, p)
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Leaders    int
	QueueDepth int64
	Intents    map[string]int64
}

// GetStats reads the snapshot from the store.
func (a *App) GetStats() (Stats, error) {
	intents, err := a.db.IntentStats()
	if err != nil {
		return Stats{}, err
	}
	depth, err := a.queue.Depth()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Leaders:    len(a.detector.Leaders()),
		QueueDepth: depth,
		Intents:    intents,
	}, nil
}

// The methods below satisfy notify.Controller for the Telegram commands.

// Stats serves the /stats and /status commands.
func (a *App) Stats() (notify.Stats, error) {
	s, err := a.GetStats()
	if err != nil {
		return notify.Stats{}, err
	}
	return notify.Stats{
		Leaders:    s.Leaders,
		QueueDepth: s.QueueDepth,
		Intents:    s.Intents,
	}, nil
}

// Follow serves the /follow command. copyPercent is a percentage in 0..100.
func (a *App) Follow(follower, leader, copyPercent string) (string, error) {
	pct, err := decimal.NewFromString(copyPercent)
	if err != nil || !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return "", fmt.Errorf("copy percent must be in (0, 100]")
	}
	return a.AddFollow(follower, leader, types.CopyPolicy{
		Enabled:        true,
		CopyPercentage: pct,
	})
}

// Unfollow serves the /unfollow command.
func (a *App) Unfollow(follower, leader string) error {
	return a.RemoveFollow(follower, leader)
}

// SetAutoCopy serves the /autocopy command, flipping the account-wide
// switch while preserving the rest of the follower's risk policy.
func (a *App) SetAutoCopy(follower string, enabled bool) error {
	p, err := a.db.GetRiskPolicy(follower)
	if err != nil {
		return err
	}
	p.AutoCopyEnabled = enabled
	return a.db.SetRiskPolicy(follower, p)
}
