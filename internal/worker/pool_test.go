package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/database"
	"polycopy/internal/notify"
	"polycopy/internal/queue"
)

func TestPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	seedIntent(t, db, "i1")

	q := queue.New(db, queue.DefaultConfig())
	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}

	e := NewExecutor(db, &fakePricer{price: dec("0.50")}, &fakeExchange{}, notify.NewService(db))
	pool := NewPool(q, e, 2)
	pool.idlePoll = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := q.Depth()
		if err != nil {
			t.Fatal(err)
		}
		if depth == 0 {
			intent, err := db.GetIntent("i1")
			if err != nil {
				t.Fatal(err)
			}
			if intent.Status.Terminal() {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("queue not drained in time")
}
