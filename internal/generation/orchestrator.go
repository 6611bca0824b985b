package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coverflow-ai/coverflow/internal/events"
	"github.com/coverflow-ai/coverflow/internal/ledger"
	"github.com/coverflow-ai/coverflow/internal/metrics"
	"github.com/coverflow-ai/coverflow/internal/provider"
)

type Ledger interface {
	CheckEligibility(ctx context.Context, accountID string) (bool, int, error)
	SettleOneCredit(ctx context.Context, accountID string, preferFree bool, onDebit func(ctx context.Context, kind ledger.CreditKind) error) (ledger.CreditKind, error)
}

type Stager interface {
	Put(ctx context.Context, ownerID string, data []byte, kind string, ttl time.Duration) (string, error)
	URLFor(id string) string
	Remove(ctx context.Context, id string) error
}

type Providers interface {
	Get(name string) (provider.Provider, error)
}

// ResultStore copies a provider result somewhere durable and returns the
// URL clients should use.
type ResultStore interface {
	Save(ctx context.Context, accountID, sourceURL string) (string, error)
}

type EventPublisher interface {
	GenerationCompleted(ctx context.Context, e events.GenerationCompleted)
	GenerationFailed(ctx context.Context, e events.GenerationFailed)
	SettlementRace(ctx context.Context, e events.SettlementRace)
}

// Config holds the poll policy and staging lifetime.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	StagingTTL      time.Duration
	// SubmitTimeout and PollTimeout bound each provider round trip.
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	// PersistTimeout bounds the result download, which keeps running after
	// the client goes away.
	PersistTimeout time.Duration
}

// Budget is the longest a Generate call can block: one submit, every poll
// with its wait, and the result download.
func (c Config) Budget() time.Duration {
	perPoll := c.PollInterval + c.PollTimeout
	return c.SubmitTimeout + time.Duration(c.MaxPollAttempts)*perPoll + c.PersistTimeout
}

type Option func(*Orchestrator)

// WithSleep replaces the wait between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	ledger    Ledger
	staging   Stager
	providers Providers
	store     ResultStore
	repo      Repository
	events    EventPublisher
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewOrchestrator(l Ledger, s Stager, p Providers, store ResultStore, repo Repository, pub EventPublisher, cfg Config, opts ...Option) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 120
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Minute
	}
	if pub == nil {
		pub = events.NewPublisher(nil)
	}
	o := &Orchestrator{
		ledger:    l,
		staging:   s,
		providers: p,
		store:     store,
		repo:      repo,
		events:    pub,
		cfg:       cfg,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate runs the whole lifecycle synchronously. A non-nil *Result is
// returned whenever the provider produced an image, including the degraded
// and unsettled cases; otherwise the error is a *Error.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	providerName := "unknown"
	if p, err := o.providers.Get(req.Provider); err == nil {
		providerName = p.Name()
	}

	res, err := o.run(ctx, req)

	var genErr *Error
	if errors.As(err, &genErr) {
		metrics.GenerationsTotal.WithLabelValues(providerName, string(genErr.Kind)).Inc()
		slog.Warn("generation failed",
			"account_id", req.AccountID,
			"provider", providerName,
			"kind", genErr.Kind,
			"error", err,
		)
		o.events.GenerationFailed(context.WithoutCancel(ctx), events.GenerationFailed{
			AccountID: req.AccountID,
			Provider:  providerName,
			Kind:      string(genErr.Kind),
			Detail:    genErr.Detail,
			Timestamp: o.now().UTC(),
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	metrics.GenerationsTotal.WithLabelValues(res.Provider, "done").Inc()
	metrics.GenerationDuration.WithLabelValues(res.Provider).Observe(o.now().Sub(start).Seconds())
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	if req.AccountID == "" {
		return nil, fail(KindInvalidRequest, "missing account", nil)
	}
	if len(req.Image) == 0 {
		return nil, fail(KindInvalidRequest, "image is required", nil)
	}
	p, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, fail(KindInvalidRequest, fmt.Sprintf("unknown provider %q", req.Provider), err)
	}
	log := slog.With("account_id", req.AccountID, "provider", p.Name())

	// Gating
	eligible, remaining, err := o.ledger.CheckEligibility(ctx, req.AccountID)
	if err != nil {
		return nil, fail(KindInternal, "checking credits", err)
	}
	if !eligible {
		return nil, &Error{Kind: KindNoCredits, Detail: "no generation credits left", Remaining: remaining}
	}

	// Staging
	artifactID, err := o.staging.Put(ctx, req.AccountID, req.Image, req.ImageKind, o.cfg.StagingTTL)
	if err != nil {
		return nil, fail(KindStagingFailure, "staging input image", err)
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := o.staging.Remove(context.WithoutCancel(ctx), artifactID); err != nil {
			// The TTL reclaims it.
			log.Warn("removing staged artifact", "artifact_id", artifactID, "error", err)
		}
	}
	defer release()

	// Submitting
	submitCtx, cancelSubmit := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	job, err := p.Submit(submitCtx, provider.SubmitRequest{
		ArtifactURL: o.staging.URLFor(artifactID),
		Prompt:      req.Prompt,
		Options:     req.Options,
	})
	cancelSubmit()
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return nil, fail(kindFromProvider(perr.Kind), perr.Message, err)
		}
		return nil, fail(KindProviderUnavailable, "submitting job", err)
	}
	log.Info("generation job submitted", "job_id", job.ID, "artifact_id", artifactID)

	// Polling
	status := job.Status
	if !status.Terminal() {
		status, err = o.poll(ctx, p, job.ID)
		if err != nil {
			return nil, err
		}
	}
	if status.State == provider.StateFailed {
		return nil, fail(KindProviderFailed, status.Reason, nil)
	}

	release()

	// Past this point the image exists; finish the bookkeeping even if the
	// client disconnects.
	bg := context.WithoutCancel(ctx)

	// Persisting
	res := &Result{ImageURL: status.ResultURL, Provider: p.Name()}
	persistCtx, cancel := context.WithTimeout(bg, o.cfg.PersistTimeout)
	stored, err := o.store.Save(persistCtx, req.AccountID, status.ResultURL)
	cancel()
	if err != nil {
		res.Degraded = true
		metrics.PersistenceDegradedTotal.Inc()
		log.Warn("storing result failed, returning provider url", "result_url", status.ResultURL, "error", err)
	} else {
		res.ImageURL = stored
	}

	// Settling
	o.settle(bg, log, req.AccountID, res)
	return res, nil
}

func (o *Orchestrator) poll(ctx context.Context, p provider.Provider, jobID string) (provider.JobStatus, error) {
	for attempt := 1; attempt <= o.cfg.MaxPollAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
				return provider.JobStatus{}, fail(KindInternal, "request cancelled while polling", err)
			}
		}

		pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
		status, err := p.Poll(pollCtx, jobID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return provider.JobStatus{}, fail(KindInternal, "request cancelled while polling", ctx.Err())
			}
			slog.Debug("poll attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
			continue
		}
		if status.Terminal() {
			metrics.PollAttempts.WithLabelValues(p.Name()).Observe(float64(attempt))
			return status, nil
		}
		if attempt%12 == 0 {
			slog.Debug("job still pending", "job_id", jobID, "attempt", attempt, "max", o.cfg.MaxPollAttempts)
		}
	}

	metrics.PollAttempts.WithLabelValues(p.Name()).Observe(float64(o.cfg.MaxPollAttempts))
	ceiling := o.cfg.PollInterval * time.Duration(o.cfg.MaxPollAttempts)
	// The provider-side job is left running; there is no cancel call.
	return provider.JobStatus{}, fail(KindProviderTimeout,
		fmt.Sprintf("job %s not finished after %d attempts (~%s)", jobID, o.cfg.MaxPollAttempts, ceiling), nil)
}

// settle charges one credit and writes the generation record in the same
// ledger transaction. When no credit is left the result is still returned,
// unsettled and without a record.
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, accountID string, res *Result) {
	rec := &Record{
		ID:        uuid.New(),
		AccountID: accountID,
		ImageURL:  res.ImageURL,
		Provider:  res.Provider,
	}

	kind, err := o.ledger.SettleOneCredit(ctx, accountID, true, func(ctx context.Context, kind ledger.CreditKind) error {
		rec.IsFree = kind == ledger.CreditFree
		rec.CreatedAt = o.now().UTC()
		return o.repo.Insert(ctx, rec)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			metrics.SettlementRaceTotal.Inc()
			log.Warn("settlement race: result delivered without a debit", "image_url", res.ImageURL)
			o.events.SettlementRace(ctx, events.SettlementRace{
				AccountID: accountID,
				Provider:  res.Provider,
				ImageURL:  res.ImageURL,
				Timestamp: o.now().UTC(),
			})
		} else {
			log.Error("settling credit", "image_url", res.ImageURL, "error", err)
		}
		return
	}

	res.ID = rec.ID.String()
	res.Credit = kind
	res.Settled = true
	metrics.CreditsDebitedTotal.WithLabelValues(string(kind)).Inc()
	log.Info("generation completed", "generation_id", res.ID, "credit", kind, "degraded", res.Degraded)

	o.events.GenerationCompleted(ctx, events.GenerationCompleted{
		GenerationID: res.ID,
		AccountID:    accountID,
		Provider:     res.Provider,
		ImageURL:     res.ImageURL,
		Credit:       string(kind),
		Degraded:     res.Degraded,
		Timestamp:    rec.CreatedAt,
	})
}

// History returns an account's generation records, newest first.
func (o *Orchestrator) History(ctx context.Context, accountID string, page, pageSize int) ([]Record, int64, error) {
	records, total, err := o.repo.History(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing generations: %w", err)
	}
	return records, total, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
