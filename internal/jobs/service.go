// Package jobs owns the image-generation job lifecycle. Handlers create and
// poll jobs; the worker calls Process and Sweep.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pocketllm/internal/apperr"
	"pocketllm/internal/metrics"
	"pocketllm/internal/providers"
	"pocketllm/internal/queue"
	"pocketllm/internal/storage"
)

const (
	MsgAlreadyFinished = "job already finished"
	MsgStale           = "job processing timed out"
	MsgCancelled       = "job cancelled"

	MsgImagesNotConfigured  = "image generation is not configured"
	MsgStorageNotConfigured = "image storage is not configured"
)

var qualityCost = map[string]decimal.Decimal{
	"low":    decimal.RequireFromString("0.01"),
	"medium": decimal.RequireFromString("0.04"),
	"high":   decimal.RequireFromString("0.17"),
	"auto":   decimal.RequireFromString("0.04"),
}

// EstimateCost prices one image by quality. Unknown or empty quality is priced
// as auto.
func EstimateCost(quality string) decimal.Decimal {
	if c, ok := qualityCost[strings.ToLower(strings.TrimSpace(quality))]; ok {
		return c
	}
	return qualityCost["auto"]
}

type Store interface {
	CreateJob(ctx context.Context, j storage.Job) (storage.Job, error)
	GetJob(ctx context.Context, userID, id string) (storage.Job, error)
	ListJobs(ctx context.Context, userID string, limit uint64) ([]storage.Job, error)
	TransitionJob(ctx context.Context, t storage.JobTransition) (storage.Job, bool, error)
	FailStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.ImageJob) (string, error)
}

type Limiter interface {
	Allow(ctx context.Context, scope, userID string, now time.Time) (bool, int64, time.Time, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error)
	ImagesConfigured() bool
}

type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Enabled() bool
}

type Config struct {
	Store      Store
	Queue      Enqueuer
	Limiter    Limiter
	Images     ImageGenerator
	Blobs      Uploader
	Metrics    *metrics.Metrics
	StaleAfter time.Duration
	CancelPoll time.Duration
	Now        func() time.Time
}

type Service struct {
	store      Store
	queue      Enqueuer
	limiter    Limiter
	images     ImageGenerator
	blobs      Uploader
	metrics    *metrics.Metrics
	staleAfter time.Duration
	cancelPoll time.Duration
	now        func() time.Time
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		queue:      cfg.Queue,
		limiter:    cfg.Limiter,
		images:     cfg.Images,
		blobs:      cfg.Blobs,
		metrics:    m,
		staleAfter: cfg.StaleAfter,
		cancelPoll: cfg.CancelPoll,
		now:        cfg.Now,
	}
}

type CreateInput struct {
	Prompt  string `json:"prompt" validate:"required,max=4000"`
	Model   string `json:"model" validate:"required,max=200"`
	Quality string `json:"quality" validate:"omitempty,oneof=low medium high auto"`
	Size    string `json:"size" validate:"omitempty,max=20"`
}

// Input is what the job row stores as inputData.
type Input struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Quality string `json:"quality,omitempty"`
	Size    string `json:"size,omitempty"`
}

type Output struct {
	ImageURL string `json:"imageUrl"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Model    string `json:"model"`
}

type View struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	InputData     json.RawMessage  `json:"inputData"`
	OutputData    json.RawMessage  `json:"outputData"`
	ErrorLog      *string          `json:"errorLog"`
	EstimatedCost decimal.Decimal  `json:"estimatedCost"`
	ActualCost    *decimal.Decimal `json:"actualCost"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	CompletedAt   *time.Time       `json:"completedAt"`
}

func NewView(j storage.Job) View {
	v := View{
		ID:            j.ID,
		Type:          j.Type,
		Status:        j.Status,
		InputData:     j.Input,
		OutputData:    j.Output,
		ErrorLog:      j.ErrorLog,
		EstimatedCost: j.EstimatedCost,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CompletedAt:   j.CompletedAt,
	}
	if len(v.OutputData) == 0 {
		v.OutputData = json.RawMessage("null")
	}
	if j.ActualCost.Valid {
		c := j.ActualCost.Decimal
		v.ActualCost = &c
	}
	return v
}

// Create stores a pending job and enqueues it. The job row exists before the
// queue entry, so a worker never sees an id it cannot load.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (View, error) {
	const op = "jobs.Create"
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.Model = strings.TrimSpace(in.Model)
	in.Quality = strings.ToLower(strings.TrimSpace(in.Quality))
	if err := apperr.Check(op, in); err != nil {
		return View{}, err
	}
	if err := s.ready(op); err != nil {
		return View{}, err
	}
	if err := s.allow(ctx, op, userID); err != nil {
		return View{}, err
	}

	input, err := json.Marshal(Input(in))
	if err != nil {
		return View{}, apperr.Internal(op, err)
	}
	job, err := s.store.CreateJob(ctx, storage.Job{
		UserID:        userID,
		Type:          storage.JobTypeImage,
		Status:        storage.JobPending,
		Input:         input,
		EstimatedCost: EstimateCost(in.Quality),
	})
	if err != nil {
		return View{}, apperr.Internal(op, err)
	}

	if _, err := s.queue.Enqueue(ctx, queue.ImageJob{JobID: job.ID, UserID: userID}); err != nil {
		reason := "job could not be queued"
		_, _, _ = s.store.TransitionJob(ctx, storage.JobTransition{
			ID:       job.ID,
			UserID:   userID,
			From:     []string{storage.JobPending},
			To:       storage.JobFailed,
			ErrorLog: &reason,
		})
		return View{}, apperr.Internal(op, err)
	}
	s.metrics.EnqueuedJobs.Inc()
	zerolog.Ctx(ctx).Info().Str("job_id", job.ID).Str("model", in.Model).Msg("image job queued")
	return NewView(job), nil
}

// ready rejects jobs the worker could never finish.
func (s *Service) ready(op string) error {
	if s.images == nil || !s.images.ImagesConfigured() {
		return apperr.E(apperr.KindNotConfigured, op, MsgImagesNotConfigured, nil)
	}
	if s.blobs == nil || !s.blobs.Enabled() {
		return apperr.E(apperr.KindNotConfigured, op, MsgStorageNotConfigured, nil)
	}
	return nil
}

func (s *Service) allow(ctx context.Context, op, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, _, resetAt, err := s.limiter.Allow(ctx, queue.ScopeImage, userID, s.now())
	if err != nil {
		return apperr.Internal(op, err)
	}
	if !ok {
		s.metrics.RateLimited.WithLabelValues(queue.ScopeImage).Inc()
		return apperr.E(apperr.KindRateLimited, op,
			fmt.Sprintf("image job limit reached; try again after %s", resetAt.UTC().Format(time.RFC3339)), nil)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (View, error) {
	j, err := s.store.GetJob(ctx, userID, id)
	if err != nil {
		return View{}, storeErr("jobs.Get", err)
	}
	return NewView(j), nil
}

func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	rows, err := s.store.ListJobs(ctx, userID, 50)
	if err != nil {
		return nil, apperr.Internal("jobs.List", err)
	}
	out := make([]View, 0, len(rows))
	for _, j := range rows {
		out = append(out, NewView(j))
	}
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, userID, id string) (View, error) {
	const op = "jobs.Cancel"
	j, ok, err := s.store.TransitionJob(ctx, storage.JobTransition{
		ID:     id,
		UserID: userID,
		From:   []string{storage.JobPending, storage.JobProcessing},
		To:     storage.JobCancelled,
	})
	if err != nil {
		return View{}, storeErr(op, err)
	}
	if !ok {
		return View{}, apperr.Validation(op, MsgAlreadyFinished)
	}
	zerolog.Ctx(ctx).Info().Str("job_id", id).Msg("image job cancelled")
	return NewView(j), nil
}

var (
	// ErrSkipped means the job was not pending when a worker reached it.
	ErrSkipped = errors.New("job is not pending")
	// ErrInterrupted means the worker stopped mid-generation and the job was
	// put back to pending.
	ErrInterrupted = errors.New("job interrupted by worker shutdown")
)

// Process runs one job end to end. A returned error other than ErrSkipped
// means nothing was sent upstream and the job may be retried. Once the job is
// processing, status writes use a context detached from ctx so a stopping
// worker still leaves the row in a definite state.
func (s *Service) Process(ctx context.Context, log zerolog.Logger, job queue.ImageJob) error {
	const op = "jobs.Process"
	row, ok, err := s.store.TransitionJob(ctx, storage.JobTransition{
		ID:     job.JobID,
		UserID: job.UserID,
		From:   []string{storage.JobPending},
		To:     storage.JobProcessing,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSkipped
		}
		return fmt.Errorf("%s: claim: %w", op, err)
	}
	if !ok {
		return ErrSkipped
	}
	wctx := context.WithoutCancel(ctx)

	var in Input
	if err := json.Unmarshal(row.Input, &in); err != nil || in.Prompt == "" || in.Model == "" {
		s.fail(wctx, log, row, "job input is invalid")
		return nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var cancelled bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		cancelled = s.watchCancel(callCtx, row, cancel)
	}()

	img, genErr := s.images.GenerateImage(callCtx, providers.ImageRequest{
		Model:   in.Model,
		Prompt:  in.Prompt,
		Quality: in.Quality,
		Size:    in.Size,
	})
	cancel()
	wg.Wait()

	if cancelled {
		log.Info().Str("job_id", row.ID).Msg("image job cancelled while generating")
		return nil
	}
	if genErr != nil && ctx.Err() != nil {
		return s.requeue(wctx, log, row)
	}
	if genErr != nil {
		log.Warn().Err(genErr).Str("job_id", row.ID).Msg("image generation failed")
		s.fail(wctx, log, row, apperr.PublicMessage(genErr))
		return nil
	}

	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(img.Data).String()
	}
	path := ObjectPath(row.UserID, row.ID, mimeType)
	url, err := s.blobs.Upload(wctx, path, img.Data, mimeType)
	if err != nil {
		log.Error().Err(err).Str("job_id", row.ID).Str("path", path).Msg("image upload failed")
		s.fail(wctx, log, row, "image upload failed")
		return nil
	}

	out, err := json.Marshal(Output{ImageURL: url, Path: path, MimeType: mimeType, Model: in.Model})
	if err != nil {
		s.fail(wctx, log, row, "image result could not be stored")
		return nil
	}
	cost := img.Cost
	if !cost.Valid {
		cost = decimal.NewNullDecimal(row.EstimatedCost)
	}
	_, ok, err = s.store.TransitionJob(wctx, storage.JobTransition{
		ID:         row.ID,
		UserID:     row.UserID,
		From:       []string{storage.JobProcessing},
		To:         storage.JobCompleted,
		Output:     out,
		ActualCost: cost,
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", row.ID).Msg("failed to complete job")
		return nil
	}
	if !ok {
		log.Info().Str("job_id", row.ID).Msg("job left processing before completion, result discarded")
		return nil
	}
	s.metrics.ProcessedJobs.Inc()
	log.Info().Str("job_id", row.ID).Str("path", path).Msg("image job completed")
	return nil
}

// watchCancel polls the row until ctx ends. It cancels the upstream call and
// reports true when the owner cancelled the job.
func (s *Service) watchCancel(ctx context.Context, row storage.Job, cancel context.CancelFunc) bool {
	t := time.NewTicker(s.cancelPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			j, err := s.store.GetJob(context.WithoutCancel(ctx), row.UserID, row.ID)
			if err != nil {
				continue
			}
			if j.Status == storage.JobCancelled {
				cancel()
				return true
			}
		}
	}
}

// requeue returns an interrupted job to pending so another worker can pick it up.
func (s *Service) requeue(ctx context.Context, log zerolog.Logger, row storage.Job) error {
	_, ok, err := s.store.TransitionJob(ctx, storage.JobTransition{
		ID:     row.ID,
		UserID: row.UserID,
		From:   []string{storage.JobProcessing},
		To:     storage.JobPending,
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", row.ID).Msg("failed to return interrupted job to pending")
		return nil
	}
	if !ok {
		return nil
	}
	log.Warn().Str("job_id", row.ID).Msg("image job interrupted by shutdown, returned to pending")
	return ErrInterrupted
}

func (s *Service) fail(ctx context.Context, log zerolog.Logger, row storage.Job, reason string) {
	_, ok, err := s.store.TransitionJob(ctx, storage.JobTransition{
		ID:       row.ID,
		UserID:   row.UserID,
		From:     []string{storage.JobProcessing},
		To:       storage.JobFailed,
		ErrorLog: &reason,
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", row.ID).Msg("failed to mark job failed")
		return
	}
	if ok {
		s.metrics.FailedJobs.Inc()
	}
}

// FailQueued fails a job still pending after its retries ran out.
func (s *Service) FailQueued(ctx context.Context, job queue.ImageJob, reason string) error {
	_, ok, err := s.store.TransitionJob(ctx, storage.JobTransition{
		ID:       job.JobID,
		UserID:   job.UserID,
		From:     []string{storage.JobPending, storage.JobProcessing},
		To:       storage.JobFailed,
		ErrorLog: &reason,
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if ok {
		s.metrics.FailedJobs.Inc()
	}
	return nil
}

// Sweep fails processing jobs untouched for longer than StaleAfter.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.FailStaleJobs(ctx, s.now().Add(-s.staleAfter), MsgStale)
	if err != nil {
		return 0, err
	}
	s.metrics.SweptJobs.Add(float64(n))
	return n, nil
}

// ObjectPath is images/<userId>/<jobId><ext>, the extension following mimeType.
func ObjectPath(userID, jobID, mimeType string) string {
	ext := ".png"
	if mt := mimetype.Lookup(mimeType); mt != nil && mt.Extension() != "" {
		ext = mt.Extension()
	}
	return fmt.Sprintf("images/%s/%s%s", userID, jobID, ext)
}

func storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "job")
	}
	return apperr.Internal(op, err)
}
