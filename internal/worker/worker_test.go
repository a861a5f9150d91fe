package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pocketllm/internal/jobs"
	"pocketllm/internal/providers"
	"pocketllm/internal/queue"
	"pocketllm/internal/storage"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type staticImages struct{}

func (staticImages) ImagesConfigured() bool { return true }

func (staticImages) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	return providers.Image{Data: []byte("img"), MimeType: "image/png"}, nil
}

type memBlobs struct{}

func (memBlobs) Enabled() bool { return true }

func (memBlobs) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	return "https://cdn.test/" + path, nil
}

func TestWorkerProcessesQueuedJob(t *testing.T) {
	rdb := newRedis(t)
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "worker.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewStreamQueue(rdb, "pocketllm:worker-test", "workers", "w1", 20*time.Millisecond)
	svc := jobs.NewService(jobs.Config{Store: st, Queue: q, Images: staticImages{}, Blobs: memBlobs{}})
	w := New(Config{
		Queue:         q,
		Claims:        queue.NewJobClaimer(rdb, time.Minute),
		Jobs:          svc,
		MaxJobRetries: 1,
		SweepSchedule: "@every 1h",
		Logger:        zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	v, err := svc.Create(ctx, "u1", jobs.CreateInput{Prompt: "p", Model: "m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, 2) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := svc.Get(context.Background(), "u1", v.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == storage.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not completed in time, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

type fakeRunner struct {
	mu        sync.Mutex
	err       error
	processed []queue.ImageJob
	failed    []queue.ImageJob
}

func (f *fakeRunner) Process(ctx context.Context, log zerolog.Logger, job queue.ImageJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, job)
	return f.err
}

func (f *fakeRunner) FailQueued(ctx context.Context, job queue.ImageJob, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job)
	return nil
}

func (f *fakeRunner) Sweep(ctx context.Context) (int64, error) { return 0, nil }

func newHandleFixture(t *testing.T, runner *fakeRunner, maxRetries int) (*Worker, *queue.StreamQueue, *queue.JobClaimer) {
	t.Helper()
	rdb := newRedis(t)
	q := queue.NewStreamQueue(rdb, "pocketllm:handle-test", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	claims := queue.NewJobClaimer(rdb, time.Minute)
	w := New(Config{Queue: q, Claims: claims, Jobs: runner, MaxJobRetries: maxRetries, Logger: zerolog.Nop()})
	return w, q, claims
}

func readOne(t *testing.T, q *queue.StreamQueue) queue.Message {
	t.Helper()
	msgs, err := q.Read(context.Background(), 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one message, got %d (%v)", len(msgs), err)
	}
	return msgs[0]
}

func TestHandleSkipsClaimedJob(t *testing.T) {
	runner := &fakeRunner{}
	w, q, claims := newHandleFixture(t, runner, 3)
	ctx := context.Background()

	if ok, err := claims.Claim(ctx, "j1", "other"); err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}
	if _, err := q.Enqueue(ctx, queue.ImageJob{JobID: "j1", UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	if len(runner.processed) != 0 {
		t.Fatalf("expected claimed job not processed, got %+v", runner.processed)
	}
}

func TestHandleRetriesInfrastructureErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db unavailable")}
	w, q, _ := newHandleFixture(t, runner, 1)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.ImageJob{JobID: "j2", UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	retry := readOne(t, q)
	if retry.Job.JobID != "j2" || retry.Job.Attempts != 1 {
		t.Fatalf("expected re-enqueued attempt 1, got %+v", retry.Job)
	}
	if len(runner.failed) != 0 {
		t.Fatalf("expected no terminal failure yet")
	}

	w.handle(ctx, zerolog.Nop(), retry)
	if len(runner.processed) != 2 {
		t.Fatalf("expected claim released between attempts, processed %d times", len(runner.processed))
	}
	if len(runner.failed) != 1 || runner.failed[0].JobID != "j2" {
		t.Fatalf("expected job failed after retries, got %+v", runner.failed)
	}
	msgs, err := q.Read(ctx, 1)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty stream, got %d (%v)", len(msgs), err)
	}
}

func TestHandleAcksSkippedJobs(t *testing.T) {
	runner := &fakeRunner{err: jobs.ErrSkipped}
	w, q, _ := newHandleFixture(t, runner, 3)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.ImageJob{JobID: "j3", UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(ctx, zerolog.Nop(), readOne(t, q))

	msgs, err := q.Read(ctx, 1)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected no retry for skipped job, got %d (%v)", len(msgs), err)
	}
	if len(runner.failed) != 0 {
		t.Fatalf("skipped job must not be failed")
	}
}

func TestHandleRequeuesInterruptedJobAfterShutdown(t *testing.T) {
	runner := &fakeRunner{err: jobs.ErrInterrupted}
	w, q, claims := newHandleFixture(t, runner, 0)

	if _, err := q.Enqueue(context.Background(), queue.ImageJob{JobID: "j4", UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOne(t, q)

	ctx, stop := context.WithCancel(context.Background())
	stop()
	w.handle(ctx, zerolog.Nop(), msg)

	if len(runner.failed) != 0 {
		t.Fatalf("interrupted job must not be failed, got %+v", runner.failed)
	}
	again := readOne(t, q)
	if again.Job.JobID != "j4" || again.Job.Attempts != 0 {
		t.Fatalf("expected job re-enqueued without using an attempt, got %+v", again.Job)
	}
	if ok, err := claims.Claim(context.Background(), "j4", "w2"); err != nil || !ok {
		t.Fatalf("expected claim released for the next worker, got ok=%v err=%v", ok, err)
	}
}
