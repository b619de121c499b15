package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"polycopy/internal/faults"
	"polycopy/internal/types"
)

// Database is the store of record for all status transitions. Workers never
// cache intent status; every transition goes through here.
type Database struct {
	db *gorm.DB
}

// Models

type Leader struct {
	Address     string          `gorm:"primaryKey"`
	TotalVolume decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalTrades int64
	WinRate     decimal.Decimal `gorm:"type:decimal(10,6)"`
	LastSeen    time.Time
	UpdatedAt   time.Time
}

type LeaderTrade struct {
	ID           string `gorm:"primaryKey"`
	Leader       string `gorm:"index"`
	MarketID     string `gorm:"index"`
	OutcomeIndex int
	Side         string
	Notional     decimal.Decimal `gorm:"type:decimal(20,6)"`
	Shares       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price        decimal.Decimal `gorm:"type:decimal(10,6)"`
	ObservedAt   time.Time
	TxHash       string
	CreatedAt    time.Time
}

type Follow struct {
	ID         string `gorm:"primaryKey"`
	Follower   string `gorm:"index;uniqueIndex:idx_follow_edge"`
	Leader     string `gorm:"index;uniqueIndex:idx_follow_edge"`
	PolicyJSON string
	Enabled    bool
	CreatedAt  time.Time
}

type RiskPolicy struct {
	Follower          string          `gorm:"primaryKey"`
	MaxCopyPercentage decimal.Decimal `gorm:"type:decimal(10,4)"`
	MinTradeAmount    decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxTradeAmount    decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxOpenPositions  int
	MaxDailyLoss      decimal.Decimal `gorm:"type:decimal(20,6)"`
	SlippageTolerance decimal.Decimal `gorm:"type:decimal(10,6)"`
	CopyDelayMs       int64
	AutoCopyEnabled   bool
	UpdatedAt         time.Time
}

type CopyIntent struct {
	IntentID         string `gorm:"primaryKey"`
	LeaderTradeID    string `gorm:"index"`
	FollowID         string
	Follower         string `gorm:"index"`
	MarketID         string
	OutcomeIndex     int
	Side             string
	IntendedNotional decimal.Decimal `gorm:"type:decimal(20,6)"`
	IntendedPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	ScheduledAt      time.Time
	Status           string `gorm:"index"`
	Reason           string
	AdmittedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CopiedTrade struct {
	IntentID       string          `gorm:"primaryKey"`
	ExecutedPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExecutedShares decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fee            decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status         string
	TxRef          string
	Error          string
	ExecutedAt     time.Time
	CreatedAt      time.Time
}

type Notification struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	User      string `gorm:"index"`
	Kind      string
	Payload   string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Job is a queue entry. Jobs survive restarts; reservation hides a job for
// the visibility timeout instead of removing it.
type Job struct {
	IntentID   string    `gorm:"primaryKey"`
	VisibleAt  time.Time `gorm:"index"`
	ReservedBy string
	ReservedAt *time.Time
	Attempts   int
	Dead       bool `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// New opens the database. A postgres:// DSN selects the PostgreSQL driver,
// anything else is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Leader{}, &LeaderTrade{}, &Follow{}, &RiskPolicy{},
		&CopyIntent{}, &CopiedTrade{}, &Notification{}, &Job{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// ORM exposes the underlying handle for collaborators that share the store
// (the job queue).
func (d *Database) ORM() *gorm.DB {
	return d.db
}

// Leader operations

func (d *Database) UpsertLeader(l types.Leader) error {
	row := Leader{
		Address:     strings.ToLower(l.Address),
		TotalVolume: l.TotalVolume,
		TotalTrades: l.TotalTrades,
		WinRate:     l.WinRate,
		LastSeen:    l.LastSeen,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (d *Database) GetLeaders() ([]types.Leader, error) {
	var rows []Leader
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	leaders := make([]types.Leader, 0, len(rows))
	for _, r := range rows {
		leaders = append(leaders, types.Leader{
			Address:     r.Address,
			TotalVolume: r.TotalVolume,
			TotalTrades: r.TotalTrades,
			WinRate:     r.WinRate,
			LastSeen:    r.LastSeen,
		})
	}
	return leaders, nil
}

// Leader trade operations

// InsertLeaderTrade persists an observed trade. The primary key on the trade
// id is the authoritative dedup guard across stream/poll crossover; a
// duplicate returns DuplicateObservation.
func (d *Database) InsertLeaderTrade(t types.LeaderTrade) error {
	row := LeaderTrade{
		ID:           t.ID,
		Leader:       strings.ToLower(t.Leader),
		MarketID:     t.MarketID,
		OutcomeIndex: t.OutcomeIndex,
		Side:         t.Side,
		Notional:     t.Notional,
		Shares:       t.Shares,
		Price:        t.Price,
		ObservedAt:   t.ObservedAt,
		TxHash:       t.TxHash,
	}
	res := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return faults.New(faults.Internal, res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.DuplicateObservation, "leader trade %s", t.ID)
	}
	return nil
}

// Follow operations

// CreateFollow inserts the follower→leader edge. The unique index on
// (follower, leader) rejects a second follow of the same leader.
func (d *Database) CreateFollow(f types.Follow) error {
	policy, err := json.Marshal(f.Policy)
	if err != nil {
		return faults.New(faults.Internal, err)
	}
	row := Follow{
		ID:         f.ID,
		Follower:   strings.ToLower(f.Follower),
		Leader:     strings.ToLower(f.Leader),
		PolicyJSON: string(policy),
		Enabled:    f.Enabled,
		CreatedAt:  f.CreatedAt,
	}
	if err := d.db.Create(&row).Error; err != nil {
		return fmt.Errorf("create follow: %w", err)
	}
	return nil
}

func (d *Database) DeleteFollow(followID string) error {
	return d.db.Delete(&Follow{}, "id = ?", followID).Error
}

func (d *Database) UpdateFollowPolicy(followID string, policy types.CopyPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return faults.New(faults.Internal, err)
	}
	return d.db.Model(&Follow{}).Where("id = ?", followID).
		Update("policy_json", string(raw)).Error
}

// FollowerEdge pairs a follow with its follower's risk policy, as the
// dispatcher consumes them.
type FollowerEdge struct {
	Follow types.Follow
	Risk   types.RiskPolicy
}

// FollowsOfLeader returns the enabled follows of a leader joined with each
// follower's risk policy. Followers without a stored policy get defaults.
func (d *Database) FollowsOfLeader(leader string) ([]FollowerEdge, error) {
	var rows []Follow
	err := d.db.Where("leader = ? AND enabled = ?", strings.ToLower(leader), true).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, faults.New(faults.Internal, err)
	}

	edges := make([]FollowerEdge, 0, len(rows))
	for _, r := range rows {
		f, err := rowToFollow(r)
		if err != nil {
			log.Error().Err(err).Str("follow", r.ID).Msg("Skipping follow with corrupt policy")
			continue
		}
		risk, err := d.GetRiskPolicy(r.Follower)
		if err != nil {
			return nil, err
		}
		edges = append(edges, FollowerEdge{Follow: f, Risk: risk})
	}
	return edges, nil
}

func rowToFollow(r Follow) (types.Follow, error) {
	var policy types.CopyPolicy
	if err := json.Unmarshal([]byte(r.PolicyJSON), &policy); err != nil {
		return types.Follow{}, faults.New(faults.Internal, err)
	}
	return types.Follow{
		ID:        r.ID,
		Follower:  r.Follower,
		Leader:    r.Leader,
		Policy:    policy,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
	}, nil
}

// Risk policy operations

// DefaultRiskPolicy is applied to followers that never stored one.
func DefaultRiskPolicy() types.RiskPolicy {
	return types.RiskPolicy{
		MaxCopyPercentage: decimal.NewFromInt(100),
		MaxOpenPositions:  10,
		SlippageTolerance: decimal.NewFromFloat(0.05),
		AutoCopyEnabled:   true,
	}
}

func (d *Database) SetRiskPolicy(follower string, p types.RiskPolicy) error {
	row := RiskPolicy{
		Follower:          strings.ToLower(follower),
		MaxCopyPercentage: p.MaxCopyPercentage,
		MinTradeAmount:    p.MinTradeAmount,
		MaxTradeAmount:    p.MaxTradeAmount,
		MaxOpenPositions:  p.MaxOpenPositions,
		MaxDailyLoss:      p.MaxDailyLoss,
		SlippageTolerance: p.SlippageTolerance,
		CopyDelayMs:       p.CopyDelay.Milliseconds(),
		AutoCopyEnabled:   p.AutoCopyEnabled,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (d *Database) GetRiskPolicy(follower string) (types.RiskPolicy, error) {
	var row RiskPolicy
	err := d.db.First(&row, "follower = ?", strings.ToLower(follower)).Error
	if err == gorm.ErrRecordNotFound {
		return DefaultRiskPolicy(), nil
	}
	if err != nil {
		return types.RiskPolicy{}, faults.New(faults.Internal, err)
	}
	return types.RiskPolicy{
		MaxCopyPercentage: row.MaxCopyPercentage,
		MinTradeAmount:    row.MinTradeAmount,
		MaxTradeAmount:    row.MaxTradeAmount,
		MaxOpenPositions:  row.MaxOpenPositions,
		MaxDailyLoss:      row.MaxDailyLoss,
		SlippageTolerance: row.SlippageTolerance,
		CopyDelay:         time.Duration(row.CopyDelayMs) * time.Millisecond,
		AutoCopyEnabled:   row.AutoCopyEnabled,
	}, nil
}

// Intent operations

// CreateIntent inserts a copy intent. A conflict on the deterministic intent
// id means a duplicate dispatch; it reports created=false and no error.
func (d *Database) CreateIntent(i types.CopyIntent) (bool, error) {
	row := CopyIntent{
		IntentID:         i.IntentID,
		LeaderTradeID:    i.LeaderTradeID,
		FollowID:         i.FollowID,
		Follower:         strings.ToLower(i.Follower),
		MarketID:         i.MarketID,
		OutcomeIndex:     i.OutcomeIndex,
		Side:             i.Side,
		IntendedNotional: i.IntendedNotional,
		IntendedPrice:    i.IntendedPrice,
		ScheduledAt:      i.ScheduledAt,
		Status:           string(i.Status),
		Reason:           string(i.Reason),
	}
	res := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, faults.New(faults.Internal, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (d *Database) GetIntent(intentID string) (types.CopyIntent, error) {
	var row CopyIntent
	if err := d.db.First(&row, "intent_id = ?", intentID).Error; err != nil {
		return types.CopyIntent{}, faults.New(faults.Internal, err)
	}
	return rowToIntent(row), nil
}

func rowToIntent(row CopyIntent) types.CopyIntent {
	return types.CopyIntent{
		IntentID:         row.IntentID,
		LeaderTradeID:    row.LeaderTradeID,
		FollowID:         row.FollowID,
		Follower:         row.Follower,
		MarketID:         row.MarketID,
		OutcomeIndex:     row.OutcomeIndex,
		Side:             row.Side,
		IntendedNotional: row.IntendedNotional,
		IntendedPrice:    row.IntendedPrice,
		ScheduledAt:      row.ScheduledAt,
		Status:           types.IntentStatus(row.Status),
		Reason:           types.SkipReason(row.Reason),
		CreatedAt:        row.CreatedAt,
	}
}

// transition enforces the status graph inside an open transaction.
func transition(tx *gorm.DB, intentID string, from, to types.IntentStatus, reason types.SkipReason, admitted *time.Time) error {
	if !from.CanTransitionTo(to) {
		return faults.Newf(faults.Internal, "illegal transition %s -> %s for %s", from, to, intentID)
	}
	updates := map[string]any{"status": string(to)}
	if reason != "" {
		updates["reason"] = string(reason)
	}
	if admitted != nil {
		updates["admitted_at"] = admitted
	}
	res := tx.Model(&CopyIntent{}).
		Where("intent_id = ? AND status = ?", intentID, string(from)).
		Updates(updates)
	if res.Error != nil {
		return faults.New(faults.Internal, res.Error)
	}
	if res.RowsAffected == 0 {
		return faults.Newf(faults.Internal, "intent %s no longer %s", intentID, from)
	}
	return nil
}

// MarkSkipped moves a PENDING intent to SKIPPED.
func (d *Database) MarkSkipped(intentID string, reason types.SkipReason) error {
	return transition(d.db, intentID, types.StatusPending, types.StatusSkipped, reason, nil)
}

// MarkCompleted moves a PROCESSING intent to COMPLETED and records the
// executed trade. One CopiedTrade per intent id.
func (d *Database) MarkCompleted(ct types.CopiedTrade) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, ct.IntentID, types.StatusProcessing, types.StatusCompleted, "", nil); err != nil {
			return err
		}
		return saveCopiedTrade(tx, ct, types.StatusCompleted)
	})
}

// MarkFailed moves a PROCESSING intent to FAILED with a terminal reason.
func (d *Database) MarkFailed(ct types.CopiedTrade, reason types.SkipReason) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, ct.IntentID, types.StatusProcessing, types.StatusFailed, reason, nil); err != nil {
			return err
		}
		return saveCopiedTrade(tx, ct, types.StatusFailed)
	})
}

func saveCopiedTrade(tx *gorm.DB, ct types.CopiedTrade, status types.IntentStatus) error {
	row := CopiedTrade{
		IntentID:       ct.IntentID,
		ExecutedPrice:  ct.ExecutedPrice,
		ExecutedShares: ct.ExecutedShares,
		Fee:            ct.Fee,
		Status:         string(status),
		TxRef:          ct.TxRef,
		Error:          ct.Error,
		ExecutedAt:     ct.ExecutedAt,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return faults.New(faults.Internal, res.Error)
	}
	return nil
}

func (d *Database) GetCopiedTrade(intentID string) (types.CopiedTrade, error) {
	var row CopiedTrade
	if err := d.db.First(&row, "intent_id = ?", intentID).Error; err != nil {
		return types.CopiedTrade{}, faults.New(faults.Internal, err)
	}
	return types.CopiedTrade{
		IntentID:       row.IntentID,
		ExecutedPrice:  row.ExecutedPrice,
		ExecutedShares: row.ExecutedShares,
		Fee:            row.Fee,
		Status:         types.IntentStatus(row.Status),
		TxRef:          row.TxRef,
		Error:          row.Error,
		ExecutedAt:     row.ExecutedAt,
	}, nil
}

// Admission gate

// AdmitOutcome is the result of the serialized risk gate.
type AdmitOutcome int

const (
	// Admitted means the intent moved PENDING → PROCESSING.
	Admitted AdmitOutcome = iota
	// AdmitSkipped means the gate rejected and the intent is now SKIPPED.
	AdmitSkipped
	// AlreadyTerminal means a redelivered job found a non-PENDING intent.
	AlreadyTerminal
)

// AdmitIntent runs the executor's risk gate and the PENDING → PROCESSING
// flip in one transaction, serialized per follower. This is what enforces
// the open-position and daily-outflow bounds under worker concurrency.
func (d *Database) AdmitIntent(intentID string) (types.CopyIntent, AdmitOutcome, types.SkipReason, error) {
	var intent types.CopyIntent
	var outcome AdmitOutcome
	var reason types.SkipReason

	err := d.db.Transaction(func(tx *gorm.DB) error {
		var row CopyIntent
		q := tx.Model(&CopyIntent{})
		// SQLite serializes writers on its own; postgres needs the row lock.
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&row, "intent_id = ?", intentID).Error; err != nil {
			return faults.New(faults.Internal, err)
		}
		intent = rowToIntent(row)

		if intent.Status != types.StatusPending {
			outcome = AlreadyTerminal
			return nil
		}

		risk, err := d.riskPolicyTx(tx, intent.Follower)
		if err != nil {
			return err
		}

		skip := func(r types.SkipReason) error {
			outcome = AdmitSkipped
			reason = r
			return transition(tx, intentID, types.StatusPending, types.StatusSkipped, r, nil)
		}

		if !risk.AutoCopyEnabled {
			return skip(types.SkipDisabledAtExec)
		}

		var open int64
		if err := tx.Model(&CopyIntent{}).
			Where("follower = ? AND status = ?", intent.Follower, string(types.StatusProcessing)).
			Count(&open).Error; err != nil {
			return faults.New(faults.Internal, err)
		}
		if int(open) >= risk.MaxOpenPositions {
			return skip(types.SkipPositionLimit)
		}

		if risk.MaxDailyLoss.IsPositive() {
			outflow, err := dailyOutflowTx(tx, intent.Follower, time.Now().UTC())
			if err != nil {
				return err
			}
			signed := intent.IntendedNotional
			if intent.Side == types.SideSell {
				signed = signed.Neg()
			}
			if outflow.Add(signed).GreaterThan(risk.MaxDailyLoss) {
				return skip(types.SkipDailyLossLimit)
			}
		}

		if risk.MaxTradeAmount.IsPositive() && intent.IntendedNotional.GreaterThan(risk.MaxTradeAmount) {
			return skip(types.SkipOversize)
		}

		now := time.Now().UTC()
		if err := transition(tx, intentID, types.StatusPending, types.StatusProcessing, "", &now); err != nil {
			return err
		}
		intent.Status = types.StatusProcessing
		outcome = Admitted
		return nil
	})
	if err != nil {
		return types.CopyIntent{}, 0, "", err
	}
	return intent, outcome, reason, nil
}

func (d *Database) riskPolicyTx(tx *gorm.DB, follower string) (types.RiskPolicy, error) {
	var row RiskPolicy
	err := tx.First(&row, "follower = ?", follower).Error
	if err == gorm.ErrRecordNotFound {
		return DefaultRiskPolicy(), nil
	}
	if err != nil {
		return types.RiskPolicy{}, faults.New(faults.Internal, err)
	}
	return types.RiskPolicy{
		MaxCopyPercentage: row.MaxCopyPercentage,
		MinTradeAmount:    row.MinTradeAmount,
		MaxTradeAmount:    row.MaxTradeAmount,
		MaxOpenPositions:  row.MaxOpenPositions,
		MaxDailyLoss:      row.MaxDailyLoss,
		SlippageTolerance: row.SlippageTolerance,
		CopyDelay:         time.Duration(row.CopyDelayMs) * time.Millisecond,
		AutoCopyEnabled:   row.AutoCopyEnabled,
	}, nil
}

// dailyOutflowTx computes the same-UTC-day net notional outflow: BUY
// notional minus SELL notional over intents admitted that day.
func dailyOutflowTx(tx *gorm.DB, follower string, now time.Time) (decimal.Decimal, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var rows []CopyIntent
	err := tx.Where("follower = ? AND admitted_at >= ?", follower, dayStart).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, faults.New(faults.Internal, err)
	}

	outflow := decimal.Zero
	for _, r := range rows {
		if r.Side == types.SideBuy {
			outflow = outflow.Add(r.IntendedNotional)
		} else {
			outflow = outflow.Sub(r.IntendedNotional)
		}
	}
	return outflow, nil
}

// DailyOutflow is the read-only variant for stats and tests.
func (d *Database) DailyOutflow(follower string, now time.Time) (decimal.Decimal, error) {
	return dailyOutflowTx(d.db, strings.ToLower(follower), now)
}

// Notifications

func (d *Database) InsertNotification(user, kind, payload string) error {
	return d.db.Create(&Notification{User: user, Kind: kind, Payload: payload}).Error
}

// Stats

// IntentStats returns intent counts grouped by status.
func (d *Database) IntentStats() (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := d.db.Model(&CopyIntent{}).
		Select("status, count(*) as count").Group("status").Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(counts))
	for _, c := range counts {
		stats[c.Status] = c.Count
	}
	return stats, nil
}
