// Package queue is a durable FIFO over the shared store: delayed delivery,
// visibility timeout, capped exponential retry. Delivery is at-least-once;
// the executor's idempotent PENDING check upgrades it to at-most-once.
package queue

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polycopy/internal/database"
	"polycopy/internal/faults"
)

// Config tunes retry and visibility behavior.
type Config struct {
	MaxAttempts       int
	RetryBase         time.Duration
	RetryCap          time.Duration
	VisibilityTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		RetryBase:         time.Second,
		RetryCap:          5 * time.Minute,
		VisibilityTimeout: 60 * time.Second,
	}
}

// Queue is the shared job queue drained by the worker pool.
type Queue struct {
	db  *gorm.DB
	cfg Config
}

// New builds a queue over the store's job table.
func New(db *database.Database, cfg Config) *Queue {
	return &Queue{db: db.ORM(), cfg: cfg}
}

// Enqueue appends a job visible after the delivery delay. Re-enqueuing a
// known intent id is a no-op.
func (q *Queue) Enqueue(intentID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	job := database.Job{
		IntentID:  intentID,
		VisibleAt: time.Now().UTC().Add(delay),
	}
	res := q.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if res.Error != nil {
		return faults.New(faults.Internal, res.Error)
	}
	return nil
}

// Reserve claims the oldest visible job and hides it for the visibility
// timeout. Returns nil when the queue is empty. The claim is atomic: the
// conditional update fails for a worker that lost the race.
func (q *Queue) Reserve(workerID string) (*database.Job, error) {
	now := time.Now().UTC()

	for {
		var job database.Job
		err := q.db.Where("visible_at <= ? AND dead = ?", now, false).
			Order("visible_at ASC").First(&job).Error
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, faults.New(faults.Internal, err)
		}

		res := q.db.Model(&database.Job{}).
			Where("intent_id = ? AND visible_at <= ? AND dead = ?", job.IntentID, now, false).
			Updates(map[string]any{
				"visible_at":  now.Add(q.cfg.VisibilityTimeout),
				"reserved_by": workerID,
				"reserved_at": now,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, faults.New(faults.Internal, res.Error)
		}
		if res.RowsAffected == 0 {
			// Another worker claimed it first.
			continue
		}

		job.VisibleAt = now.Add(q.cfg.VisibilityTimeout)
		job.ReservedBy = workerID
		job.Attempts++
		return &job, nil
	}
}

// Ack removes the job permanently.
func (q *Queue) Ack(job *database.Job) error {
	return q.db.Delete(&database.Job{}, "intent_id = ?", job.IntentID).Error
}

// Nack returns the job for retry with exponential backoff. Once attempts
// are exhausted, or for a permanent failure, the job is parked as dead.
func (q *Queue) Nack(job *database.Job, permanent bool) error {
	if permanent || job.Attempts >= q.cfg.MaxAttempts {
		log.Warn().
			Str("intent", job.IntentID).
			Int("attempts", job.Attempts).
			Bool("permanent", permanent).
			Msg("Job dead-lettered")
		return q.db.Model(&database.Job{}).
			Where("intent_id = ?", job.IntentID).
			Updates(map[string]any{"dead": true, "reserved_by": "", "reserved_at": nil}).Error
	}

	return q.db.Model(&database.Job{}).
		Where("intent_id = ?", job.IntentID).
		Updates(map[string]any{
			"visible_at":  time.Now().UTC().Add(q.Backoff(job.Attempts)),
			"reserved_by": "",
			"reserved_at": nil,
		}).Error
}

// Cancel removes a job that has not been reserved yet. A reserved job is
// left alone; the worker sees the updated follower state and skips.
func (q *Queue) Cancel(intentID string) error {
	return q.db.Delete(&database.Job{}, "intent_id = ? AND reserved_by = ?", intentID, "").Error
}

// Backoff returns the delay before the next delivery for a given attempt
// count: base doubled per attempt, capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	d := q.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.RetryCap {
			return q.cfg.RetryCap
		}
	}
	if d > q.cfg.RetryCap {
		return q.cfg.RetryCap
	}
	return d
}

// Depth returns the number of live jobs, for stats.
func (q *Queue) Depth() (int64, error) {
	var n int64
	err := q.db.Model(&database.Job{}).Where("dead = ?", false).Count(&n).Error
	return n, err
}
