package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pocketllm/internal/jobs"
	"pocketllm/internal/metrics"
	"pocketllm/internal/queue"
)

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Enqueue(ctx context.Context, job queue.ImageJob) (string, error)
	Consumer() string
}

type Claimer interface {
	Claim(ctx context.Context, jobID, owner string) (bool, error)
	Release(ctx context.Context, jobID, owner string) error
}

type Runner interface {
	Process(ctx context.Context, log zerolog.Logger, job queue.ImageJob) error
	FailQueued(ctx context.Context, job queue.ImageJob, reason string) error
	Sweep(ctx context.Context) (int64, error)
}

type Worker struct {
	queue         Queue
	claims        Claimer
	jobs          Runner
	maxJobRetries int
	sweepSchedule string
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         Queue
	Claims        Claimer
	Jobs          Runner
	MaxJobRetries int
	SweepSchedule string
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		claims:        cfg.Claims,
		jobs:          cfg.Jobs,
		maxJobRetries: cfg.MaxJobRetries,
		sweepSchedule: cfg.SweepSchedule,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

// Start runs concurrency consumers and the stale sweep until ctx ends.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var sched *cron.Cron
	if w.sweepSchedule != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(w.sweepSchedule, func() { w.RunSweep(ctx) }); err != nil {
			return fmt.Errorf("schedule stale sweep %q: %w", w.sweepSchedule, err)
		}
		sched.Start()
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	if sched != nil {
		<-sched.Stop().Done()
	}
	return nil
}

func (w *Worker) RunSweep(ctx context.Context) {
	n, err := w.jobs.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("stale job sweep failed")
		}
		return
	}
	if n > 0 {
		w.logger.Warn().Int64("jobs", n).Msg("failed stale processing jobs")
	}
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job := msg.Job
	jlog := log.With().Str("job_id", job.JobID).Str("user_id", job.UserID).Int("attempt", job.Attempts).Logger()
	// bookkeeping must land even when ctx is cancelled mid-job
	bg := context.WithoutCancel(ctx)

	claimed, err := w.claims.Claim(bg, job.JobID, w.queue.Consumer())
	if err == nil && !claimed {
		jlog.Info().Msg("job already claimed by another worker")
		w.ack(bg, jlog, msg.ID)
		return
	}
	if err == nil {
		err = w.jobs.Process(ctx, jlog, job)
		if err == nil || errors.Is(err, jobs.ErrSkipped) {
			if errors.Is(err, jobs.ErrSkipped) {
				jlog.Info().Msg("job not pending, skipped")
			}
			w.ack(bg, jlog, msg.ID)
			return
		}
		w.release(bg, jlog, job.JobID)
	}
	if errors.Is(err, jobs.ErrInterrupted) || ctx.Err() != nil {
		// back in the stream for the next worker; not counted as an attempt
		if _, enqueueErr := w.queue.Enqueue(bg, job); enqueueErr != nil {
			jlog.Error().Err(enqueueErr).Msg("failed to re-enqueue interrupted job")
			return
		}
		jlog.Info().Msg("job handed back after shutdown")
		w.ack(bg, jlog, msg.ID)
		return
	}

	jlog.Error().Err(err).Msg("job attempt failed before reaching the provider")
	if job.Attempts < w.maxJobRetries {
		job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(bg, job); enqueueErr != nil {
			jlog.Error().Err(enqueueErr).Msg("failed to re-enqueue job")
			return
		}
		w.metrics.RetriedJobs.Inc()
		w.ack(bg, jlog, msg.ID)
		return
	}

	if failErr := w.jobs.FailQueued(bg, job, "job could not be processed"); failErr != nil {
		jlog.Error().Err(failErr).Msg("failed to mark job failed")
	}
	w.ack(bg, jlog, msg.ID)
}

func (w *Worker) release(ctx context.Context, log zerolog.Logger, jobID string) {
	if err := w.claims.Release(ctx, jobID, w.queue.Consumer()); err != nil {
		log.Error().Err(err).Msg("failed to release job claim")
	}
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}
