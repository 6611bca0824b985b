package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverflow-ai/coverflow/internal/events"
	"github.com/coverflow-ai/coverflow/internal/ledger"
	"github.com/coverflow-ai/coverflow/internal/provider"
	"github.com/coverflow-ai/coverflow/internal/staging"
)

var now = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

const resultURL = "https://cdn.example.com/result.png"

type fakeProvider struct {
	mu         sync.Mutex
	name       string
	submitErr  error
	// hangSubmit and hangPoll block until the call's context ends.
	hangSubmit bool
	hangPoll   bool
	job        provider.Job
	poll       func(n int) (provider.JobStatus, error)
	submitted  []provider.SubmitRequest
	polls      int
}

func newAsyncProvider(poll func(n int) (provider.JobStatus, error)) *fakeProvider {
	return &fakeProvider{
		name: "fake",
		job:  provider.Job{ID: "job-1", Status: provider.JobStatus{State: provider.StatePending}},
		poll: poll,
	}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(ctx context.Context, req provider.SubmitRequest) (provider.Job, error) {
	p.mu.Lock()
	p.submitted = append(p.submitted, req)
	hang := p.hangSubmit
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return provider.Job{}, ctx.Err()
	}
	if p.submitErr != nil {
		return provider.Job{}, p.submitErr
	}
	return p.job, nil
}

func (p *fakeProvider) Poll(ctx context.Context, _ string) (provider.JobStatus, error) {
	p.mu.Lock()
	p.polls++
	n := p.polls
	hang := p.hangPoll
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return provider.JobStatus{}, ctx.Err()
	}
	return p.poll(n)
}

func (p *fakeProvider) counts() (submits, polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted), p.polls
}

func succeedOn(attempt int) func(n int) (provider.JobStatus, error) {
	return func(n int) (provider.JobStatus, error) {
		if n >= attempt {
			return provider.JobStatus{State: provider.StateSucceeded, ResultURL: resultURL}, nil
		}
		return provider.JobStatus{State: provider.StatePending}, nil
	}
}

type fakeStore struct {
	mu    sync.Mutex
	err   error
	saved []string
}

func (s *fakeStore) Save(_ context.Context, accountID, sourceURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, sourceURL)
	return "https://covers.example.com/storage/" + accountID + "/out.png", nil
}

type fakePublisher struct {
	mu        sync.Mutex
	completed []events.GenerationCompleted
	failed    []events.GenerationFailed
	races     []events.SettlementRace
}

func (f *fakePublisher) GenerationCompleted(_ context.Context, e events.GenerationCompleted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, e)
}

func (f *fakePublisher) GenerationFailed(_ context.Context, e events.GenerationFailed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
}

func (f *fakePublisher) SettlementRace(_ context.Context, e events.SettlementRace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.races = append(f.races, e)
}

type harness struct {
	orch     *Orchestrator
	ledger   *ledger.Ledger
	accounts *ledger.MemoryRepository
	records  *MemoryRepository
	store    *fakeStore
	events   *fakePublisher
	redis    *miniredis.Miniredis
	provider *fakeProvider
	sleeps   int
}

func newHarness(t *testing.T, p *fakeProvider, maxAttempts int) *harness {
	t.Helper()
	return newHarnessWithConfig(t, p, Config{PollInterval: 5 * time.Second, MaxPollAttempts: maxAttempts, StagingTTL: 30 * time.Minute})
}

func newHarnessWithConfig(t *testing.T, p *fakeProvider, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		accounts: ledger.NewMemoryRepository(),
		records:  NewMemoryRepository(),
		store:    &fakeStore{},
		events:   &fakePublisher{},
		redis:    mr,
		provider: p,
	}
	h.ledger = ledger.New(h.accounts, 1, ledger.WithClock(func() time.Time { return now }))

	reg, err := provider.NewRegistry(p.Name(), p)
	require.NoError(t, err)

	h.orch = NewOrchestrator(
		h.ledger,
		staging.NewCache(client, "https://covers.example.com"),
		reg,
		h.store,
		h.records,
		h.events,
		cfg,
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			h.sleeps++
			return ctx.Err()
		}),
		WithClock(func() time.Time { return now }),
	)
	return h
}

func (h *harness) seed(free, paid int, freeUsedToday bool) {
	a := ledger.Account{ID: "acc-1", FreeRemaining: free, PaidBalance: paid}
	if freeUsedToday {
		d := ledger.Day(now)
		a.LastFreeDay = &d
	}
	h.accounts.Put(a)
}

func (h *harness) account(t *testing.T) ledger.Account {
	t.Helper()
	a, ok := h.accounts.Get("acc-1")
	require.True(t, ok)
	return a
}

func (h *harness) stagedKeys() []string {
	return h.redis.Keys()
}

func request() Request {
	return Request{AccountID: "acc-1", Image: []byte("\x89PNG\r\n\x1a\nbody"), ImageKind: "png"}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var genErr *Error
	require.True(t, errors.As(err, &genErr), "expected *Error, got %v", err)
	assert.Equal(t, kind, genErr.Kind)
	return genErr
}

func TestGenerate_NoCreditsSkipsStagingAndProvider(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.seed(0, 0, true)

	res, err := h.orch.Generate(context.Background(), request())
	assert.Nil(t, res)
	genErr := requireKind(t, err, KindNoCredits)
	assert.Equal(t, 0, genErr.Remaining)

	submits, polls := h.provider.counts()
	assert.Zero(t, submits)
	assert.Zero(t, polls)
	assert.Empty(t, h.stagedKeys())
	assert.Empty(t, h.records.Records())
	assert.Len(t, h.events.failed, 1)
}

func TestGenerate_SucceedsOnFirstPoll(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.seed(1, 0, false)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Settled)
	assert.False(t, res.Degraded)
	assert.Equal(t, ledger.CreditFree, res.Credit)
	assert.Equal(t, "fake", res.Provider)
	assert.Equal(t, "https://covers.example.com/storage/acc-1/out.png", res.ImageURL)
	assert.Equal(t, []string{resultURL}, h.store.saved)

	a := h.account(t)
	assert.Equal(t, 0, a.FreeRemaining)
	assert.Equal(t, 0, a.PaidBalance)

	recs := h.records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, res.ID, recs[0].ID.String())
	assert.True(t, recs[0].IsFree)
	assert.Equal(t, res.ImageURL, recs[0].ImageURL)

	assert.Empty(t, h.stagedKeys(), "staged artifact must be removed")
	assert.Zero(t, h.sleeps)
	require.Len(t, h.events.completed, 1)
	assert.Equal(t, res.ID, h.events.completed[0].GenerationID)

	// The provider was handed the public staging URL.
	require.Len(t, h.provider.submitted, 1)
	assert.Contains(t, h.provider.submitted[0].ArtifactURL, "https://covers.example.com/api/image/")
}

func TestGenerate_SucceedsExactlyAtPollCeiling(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(120)), 120)
	h.seed(1, 0, false)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Settled)

	_, polls := h.provider.counts()
	assert.Equal(t, 120, polls)
	assert.Equal(t, 119, h.sleeps, "no sleep after the last poll")
}

func TestGenerate_TimesOutOneAttemptPastCeiling(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(121)), 120)
	h.seed(1, 0, false)

	res, err := h.orch.Generate(context.Background(), request())
	assert.Nil(t, res)
	requireKind(t, err, KindProviderTimeout)

	_, polls := h.provider.counts()
	assert.Equal(t, 120, polls)
	assert.Equal(t, 1, h.account(t).FreeRemaining, "no debit on failure")
	assert.Empty(t, h.records.Records())
	assert.Empty(t, h.stagedKeys())
}

func TestGenerate_SubmitErrorsMapToKinds(t *testing.T) {
	cases := map[provider.ErrorKind]Kind{
		provider.KindAuthFailed:          KindProviderAuthFailed,
		provider.KindInsufficientBalance: KindProviderInsufficientBalance,
		provider.KindRateLimited:         KindProviderRateLimited,
		provider.KindInvalidInput:        KindProviderInvalidInput,
		provider.KindUnavailable:         KindProviderUnavailable,
	}
	for pk, want := range cases {
		t.Run(string(pk), func(t *testing.T) {
			p := newAsyncProvider(succeedOn(1))
			p.submitErr = &provider.Error{Kind: pk, Provider: "fake", Message: "nope"}
			h := newHarness(t, p, 120)
			h.seed(0, 3, true)

			_, err := h.orch.Generate(context.Background(), request())
			requireKind(t, err, want)

			_, polls := p.counts()
			assert.Zero(t, polls)
			assert.Equal(t, 3, h.account(t).PaidBalance)
			assert.Empty(t, h.stagedKeys())
		})
	}
}

func TestGenerate_UnclassifiedSubmitError(t *testing.T) {
	p := newAsyncProvider(succeedOn(1))
	p.submitErr = errors.New("marshal failure")
	h := newHarness(t, p, 120)
	h.seed(1, 0, false)

	_, err := h.orch.Generate(context.Background(), request())
	requireKind(t, err, KindProviderUnavailable)
}

func TestGenerate_ProviderReportsFailure(t *testing.T) {
	h := newHarness(t, newAsyncProvider(func(n int) (provider.JobStatus, error) {
		if n < 3 {
			return provider.JobStatus{State: provider.StatePending}, nil
		}
		return provider.JobStatus{State: provider.StateFailed, Reason: "content policy"}, nil
	}), 120)
	h.seed(1, 0, false)

	_, err := h.orch.Generate(context.Background(), request())
	genErr := requireKind(t, err, KindProviderFailed)
	assert.Equal(t, "content policy", genErr.Detail)
	assert.Equal(t, 1, h.account(t).FreeRemaining)
	assert.Empty(t, h.stagedKeys())
}

func TestGenerate_TransientPollErrorsAreRetried(t *testing.T) {
	h := newHarness(t, newAsyncProvider(func(n int) (provider.JobStatus, error) {
		if n <= 2 {
			return provider.JobStatus{}, errors.New("connection reset")
		}
		return provider.JobStatus{State: provider.StateSucceeded, ResultURL: resultURL}, nil
	}), 120)
	h.seed(1, 0, false)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, 2, h.sleeps)
}

func TestGenerate_HungPollIsBoundedPerAttempt(t *testing.T) {
	p := newAsyncProvider(succeedOn(1))
	p.hangPoll = true
	h := newHarnessWithConfig(t, p, Config{
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 3,
		StagingTTL:      30 * time.Minute,
		PollTimeout:     10 * time.Millisecond,
	})
	h.seed(1, 0, false)

	_, err := h.orch.Generate(context.Background(), request())
	requireKind(t, err, KindProviderTimeout)

	_, polls := p.counts()
	assert.Equal(t, 3, polls)
	assert.Equal(t, 1, h.account(t).FreeRemaining)
	assert.Empty(t, h.stagedKeys())
}

func TestGenerate_HungSubmitIsBounded(t *testing.T) {
	p := newAsyncProvider(succeedOn(1))
	p.hangSubmit = true
	h := newHarnessWithConfig(t, p, Config{
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 3,
		StagingTTL:      30 * time.Minute,
		SubmitTimeout:   10 * time.Millisecond,
	})
	h.seed(1, 0, false)

	_, err := h.orch.Generate(context.Background(), request())
	requireKind(t, err, KindProviderUnavailable)

	_, polls := p.counts()
	assert.Zero(t, polls)
	assert.Equal(t, 1, h.account(t).FreeRemaining)
	assert.Empty(t, h.stagedKeys())
}

func TestConfigBudget(t *testing.T) {
	cfg := Config{
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 120,
		SubmitTimeout:   60 * time.Second,
		PollTimeout:     10 * time.Second,
		PersistTimeout:  2 * time.Minute,
	}
	assert.Equal(t, 33*time.Minute, cfg.Budget())
}

func TestGenerate_SingleShotProviderIsNotPolled(t *testing.T) {
	p := &fakeProvider{
		name: "oneshot",
		job:  provider.Job{ID: "x", Status: provider.JobStatus{State: provider.StateSucceeded, ResultURL: resultURL}},
		poll: func(int) (provider.JobStatus, error) { return provider.JobStatus{}, provider.ErrNoPoll },
	}
	h := newHarness(t, p, 120)
	h.seed(0, 2, true)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, ledger.CreditPaid, res.Credit)
	assert.Equal(t, 1, h.account(t).PaidBalance)

	_, polls := p.counts()
	assert.Zero(t, polls)
}

func TestGenerate_PersistenceFailureIsDegradedSuccess(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.store.err = errors.New("disk full")
	h.seed(1, 0, false)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.Settled)
	assert.Equal(t, resultURL, res.ImageURL)

	recs := h.records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, resultURL, recs[0].ImageURL)
}

func TestGenerate_SettlementRaceReturnsUnchargedResult(t *testing.T) {
	var h *harness
	h = newHarness(t, newAsyncProvider(func(n int) (provider.JobStatus, error) {
		// A concurrent request spends the last credit while this job runs.
		_, err := h.ledger.SettleOneCredit(context.Background(), "acc-1", true, nil)
		require.NoError(t, err)
		return provider.JobStatus{State: provider.StateSucceeded, ResultURL: resultURL}, nil
	}), 120)
	h.seed(0, 1, true)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Empty(t, res.ID)
	assert.Empty(t, res.Credit)
	assert.NotEmpty(t, res.ImageURL)

	assert.Empty(t, h.records.Records(), "no record without a debit")
	a := h.account(t)
	assert.Equal(t, 0, a.PaidBalance)
	assert.Equal(t, 0, a.FreeRemaining)
	require.Len(t, h.events.races, 1)
	assert.Equal(t, "acc-1", h.events.races[0].AccountID)
}

func TestGenerate_RecordFailureLeavesBalanceUntouched(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.records.FailInsert = errors.New("unique violation")
	h.seed(1, 4, false)

	res, err := h.orch.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Settled)

	a := h.account(t)
	assert.Equal(t, 1, a.FreeRemaining)
	assert.Equal(t, 4, a.PaidBalance)
	assert.Nil(t, a.LastFreeDay)
}

func TestGenerate_StagingFailure(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.seed(1, 0, false)
	h.redis.Close()

	_, err := h.orch.Generate(context.Background(), request())
	requireKind(t, err, KindStagingFailure)

	submits, _ := h.provider.counts()
	assert.Zero(t, submits)
	assert.Equal(t, 1, h.account(t).FreeRemaining)
}

func TestGenerate_InvalidRequests(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.seed(1, 0, false)

	req := request()
	req.Provider = "midjourney"
	_, err := h.orch.Generate(context.Background(), req)
	requireKind(t, err, KindInvalidRequest)

	req = request()
	req.Image = nil
	_, err = h.orch.Generate(context.Background(), req)
	requireKind(t, err, KindInvalidRequest)

	submits, _ := h.provider.counts()
	assert.Zero(t, submits)
}

func TestGenerate_CancelledWhilePollingCleansUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, newAsyncProvider(func(n int) (provider.JobStatus, error) {
		cancel()
		return provider.JobStatus{State: provider.StatePending}, nil
	}), 120)
	h.seed(1, 0, false)

	_, err := h.orch.Generate(ctx, request())
	requireKind(t, err, KindInternal)
	assert.Empty(t, h.stagedKeys(), "cleanup must not depend on the request context")
	assert.Equal(t, 1, h.account(t).FreeRemaining)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, newAsyncProvider(succeedOn(1)), 120)
	h.seed(1, 5, false)

	for i := 0; i < 3; i++ {
		_, err := h.orch.Generate(context.Background(), request())
		require.NoError(t, err)
	}

	recs, total, err := h.orch.History(context.Background(), "acc-1", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, recs, 2)

	recs, _, err = h.orch.History(context.Background(), "acc-1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNoCredits:                   402,
		KindInvalidRequest:              400,
		KindProviderInvalidInput:        400,
		KindProviderAuthFailed:          401,
		KindProviderInsufficientBalance: 401,
		KindProviderRateLimited:         429,
		KindProviderUnavailable:         500,
		KindProviderFailed:              500,
		KindProviderTimeout:             500,
		KindStagingFailure:              500,
		KindInternal:                    500,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.HTTPStatus(), string(k))
	}
}
