package queue

import (
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/database"
)

func testQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return New(db, cfg)
}

func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("i1", time.Hour); err != nil {
		t.Fatal(err)
	}

	depth, err := q.Depth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	// The first enqueue's visibility wins: the job is deliverable now.
	job, err := q.Reserve("w1")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.IntentID != "i1" {
		t.Fatalf("job = %+v", job)
	}
}

func TestReserveHidesJob(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}

	job, err := q.Reserve("w1")
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}

	// Hidden for the visibility timeout.
	second, err := q.Reserve("w2")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second reserve got %+v, want nil", second)
	}
}

func TestReserveDelayedJob(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", time.Hour); err != nil {
		t.Fatal(err)
	}
	job, err := q.Reserve("w1")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("delayed job must not be deliverable yet")
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.VisibilityTimeout = 20 * time.Millisecond
	q := testQueue(t, cfg)

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve("w1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)

	job, err := q.Reserve("w2")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.IntentID != "i1" {
		t.Fatalf("expired job not redelivered: %+v", job)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}

func TestAckRemoves(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Reserve("w1")
	if err := q.Ack(job); err != nil {
		t.Fatal(err)
	}

	depth, _ := q.Depth()
	if depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestNackRequeuesWithBackoff(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RetryBase = 10 * time.Millisecond
	q := testQueue(t, cfg)

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Reserve("w1")
	if err := q.Nack(job, false); err != nil {
		t.Fatal(err)
	}

	// Not visible immediately.
	if j, _ := q.Reserve("w1"); j != nil {
		t.Fatal("nacked job visible before backoff elapsed")
	}

	time.Sleep(30 * time.Millisecond)
	j, err := q.Reserve("w1")
	if err != nil {
		t.Fatal(err)
	}
	if j == nil {
		t.Fatal("nacked job not redelivered after backoff")
	}
}

func TestNackPermanentDeadLetters(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Reserve("w1")
	if err := q.Nack(job, true); err != nil {
		t.Fatal(err)
	}

	if j, _ := q.Reserve("w1"); j != nil {
		t.Fatal("dead job must not be delivered")
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Fatalf("live depth = %d, want 0", depth)
	}
}

func TestNackExhaustedAttemptsDeadLetters(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = time.Millisecond
	q := testQueue(t, cfg)

	if err := q.Enqueue("i1", 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		var job *database.Job
		for {
			j, err := q.Reserve("w1")
			if err != nil {
				t.Fatal(err)
			}
			if j != nil {
				job = j
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		if err := q.Nack(job, false); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(5 * time.Millisecond)
	if j, _ := q.Reserve("w1"); j != nil {
		t.Fatalf("job should be dead after %d attempts, got %+v", cfg.MaxAttempts, j)
	}
}

func TestCancelOnlyUnreserved(t *testing.T) {
	t.Parallel()
	q := testQueue(t, DefaultConfig())

	if err := q.Enqueue("i1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel("i1"); err != nil {
		t.Fatal(err)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Fatal("unreserved job should be cancelable")
	}

	if err := q.Enqueue("i2", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Reserve("w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel("i2"); err != nil {
		t.Fatal(err)
	}
	depth, _ = q.Depth()
	if depth != 1 {
		t.Fatal("reserved job must survive cancel")
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	q := &Queue{cfg: Config{RetryBase: time.Second, RetryCap: 5 * time.Minute}}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
