package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/convotest/engine"
)

// Start errors.
var (
	ErrSuiteNotFound = errors.New("suite_not_found")
	ErrNoTests       = errors.New("no_tests")
)

// Suite is everything a run needs to execute a set of tests.
type Suite struct {
	ID          string
	OrgID       string
	Environment engine.Environment
	Tests       []engine.TestDefinition
	// Thresholds overrides the service defaults when set.
	Thresholds *Thresholds
	// Executor serves the suite's request steps when set.
	Executor engine.RequestExecutor
}

// SuiteResolver looks suites up by id.
type SuiteResolver interface {
	ResolveSuite(ctx context.Context, suiteID string) (*Suite, error)
}

// StartRequest asks for a new run.
type StartRequest struct {
	SuiteID     string              `json:"suiteId"`
	Tests       []string            `json:"tests,omitempty"`
	Trigger     string              `json:"trigger,omitempty"`
	AuthHeader  string              `json:"authHeader,omitempty"`
	WebhookURL  string              `json:"webhookUrl,omitempty"`
	Environment *engine.Environment `json:"environment,omitempty"`
	// Suite runs an already-loaded suite instead of resolving SuiteID.
	Suite *Suite `json:"-"`
}

// Service creates runs and executes them in the background.
type Service struct {
	store      Store
	suites     SuiteResolver
	engineOpts []engine.Option
	results    *ResultsWriter
	webhook    *Webhook
	metrics    *Collector
	publisher  Publisher
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithStore sets the run store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithSuites sets the resolver used for StartRequest.SuiteID.
func WithSuites(r SuiteResolver) Option {
	return func(svc *Service) { svc.suites = r }
}

// WithEngineOptions sets the options every run's engine is built with.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(svc *Service) { svc.engineOpts = append(svc.engineOpts, opts...) }
}

// WithResultsWriter enables writing results to disk.
func WithResultsWriter(w *ResultsWriter) Option {
	return func(svc *Service) { svc.results = w }
}

// WithWebhook sets the webhook notifier.
func WithWebhook(w *Webhook) Option {
	return func(svc *Service) { svc.webhook = w }
}

// WithCollector enables metrics.
func WithCollector(c *Collector) Option {
	return func(svc *Service) { svc.metrics = c }
}

// WithPublisher forwards progress snapshots to p.
func WithPublisher(p Publisher) Option {
	return func(svc *Service) { svc.publisher = p }
}

// WithThresholds sets the default pass thresholds.
func WithThresholds(th Thresholds) Option {
	return func(svc *Service) { svc.thresholds = th }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(svc *Service) { svc.newID = fn }
}

// NewService creates a Service. Close stops background runs.
func NewService(opts ...Option) *Service {
	s := &Service{
		thresholds: DefaultThresholds(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.webhook == nil {
		s.webhook = NewWebhook(nil)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start creates a queued run and executes it in the background.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Run, error) {
	suite, tests, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := s.create(ctx, suite, req)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, run.ID, suite, tests, req)
	}()
	return run, nil
}

// Run executes a run in the caller's goroutine and returns the final
// record.
func (s *Service) Run(ctx context.Context, req StartRequest) (*Run, error) {
	suite, tests, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := s.create(ctx, suite, req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run.ID, suite, tests, req), nil
}

// Stop asks a queued or running run to stop. The record is marked
// stopped at once; the executing engine notices between turns.
func (s *Service) Stop(ctx context.Context, runID string) error {
	_, err := s.store.Update(ctx, runID, func(r *Run) error {
		if !r.Active() {
			return ErrNotRunning
		}
		now := s.now()
		r.StopRequested = true
		r.Status = StatusStopped
		r.FinishedAt = &now
		return nil
	})
	if err == nil {
		s.logger.Info("Run stop requested", "run_id", runID)
	}
	return err
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	return s.store.Get(ctx, runID)
}

// List returns runs newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Run, error) {
	return s.store.List(ctx, f)
}

// Wait blocks until background runs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background runs and waits for them to wind down.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) prepare(ctx context.Context, req StartRequest) (*Suite, []engine.TestDefinition, error) {
	suite := req.Suite
	if suite == nil {
		if s.suites == nil || req.SuiteID == "" {
			return nil, nil, ErrSuiteNotFound
		}
		var err error
		suite, err = s.suites.ResolveSuite(ctx, req.SuiteID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve suite %s: %w", req.SuiteID, err)
		}
	}

	tests := suite.Tests
	if len(req.Tests) > 0 {
		want := make(map[string]bool, len(req.Tests))
		for _, id := range req.Tests {
			want[id] = true
		}
		tests = make([]engine.TestDefinition, 0, len(req.Tests))
		for _, t := range suite.Tests {
			if want[t.ID] {
				tests = append(tests, t)
			}
		}
	}
	if len(tests) == 0 {
		return nil, nil, ErrNoTests
	}
	return suite, tests, nil
}

func (s *Service) create(ctx context.Context, suite *Suite, req StartRequest) (*Run, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerCI
	}
	run := &Run{
		ID:        s.newID(),
		OrgID:     suite.OrgID,
		SuiteID:   suite.ID,
		Trigger:   trigger,
		Status:    StatusQueued,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.logger.Info("Run queued", "run_id", run.ID, "suite_id", run.SuiteID, "trigger", trigger)
	return run, nil
}

// execute drives the engine and finalizes the record. It returns the
// final record, or the last known one if finalizing failed.
func (s *Service) execute(ctx context.Context, runID string, suite *Suite, tests []engine.TestDefinition, req StartRequest) *Run {
	startedAt := s.now()
	run, err := s.store.Update(ctx, runID, func(r *Run) error {
		if r.Status == StatusQueued {
			r.Status = StatusRunning
		}
		r.StartedAt = &startedAt
		r.Progress = &engine.Progress{Status: StatusRunning, UpdatedAt: startedAt}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to mark run running", "run_id", runID, "error", err)
		return s.fail(ctx, runID, err)
	}
	s.logger.Info("Run started", "run_id", runID, "tests", len(tests))

	env := suite.Environment
	if req.Environment != nil {
		env = *req.Environment
	}

	res, err := s.engineFor(suite).RunTests(ctx, tests, engine.RunOptions{
		RunID:       runID,
		OrgID:       suite.OrgID,
		AuthHeader:  req.AuthHeader,
		Environment: env,
		Stop:        &stopFlag{runID: runID, store: s.store},
		Progress:    &progressSink{runID: runID, store: s.store, publisher: s.publisher},
	})
	stopped := errors.Is(err, engine.ErrStopped)
	if err != nil && !stopped {
		return s.fail(ctx, run.ID, err)
	}

	th := s.thresholds
	if suite.Thresholds != nil {
		th = *suite.Thresholds
	}
	return s.finalize(context.WithoutCancel(ctx), run, res, stopped, th, req)
}

func (s *Service) engineFor(suite *Suite) *engine.Engine {
	opts := append([]engine.Option{engine.WithLogger(s.logger)}, s.engineOpts...)
	if suite.Executor != nil {
		opts = append(opts, engine.WithRequestExecutor(suite.Executor))
	}
	return engine.New(opts...)
}

func (s *Service) finalize(ctx context.Context, run *Run, res *engine.RunResult, stopped bool, th Thresholds, req StartRequest) *Run {
	sum := Summarize(res, stopped, th)
	finishedAt := s.now()

	trimmed := make([]engine.RunItemResult, len(res.Items))
	for i, it := range res.Items {
		trimmed[i] = TrimItem(it)
	}

	final, err := s.store.Update(ctx, run.ID, func(r *Run) error {
		r.Status = sum.Status
		if r.StopRequested {
			r.Status = StatusStopped
		}
		r.FinishedAt = &finishedAt
		r.Totals = &sum.Totals
		r.PassRate = &sum.PassRate
		score := sum.PassRate * 100
		r.SummaryScore = &score
		r.Judge = &JudgeSummary{AvgScore: sum.AvgJudge, Thresholds: th, Meets: sum.Meets}
		r.Items = trimmed
		r.Progress = &engine.Progress{Status: "completed", UpdatedAt: finishedAt}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to store run result", "run_id", run.ID, "error", err)
		return run
	}

	s.metrics.ObserveRun(final.Status, res.Items)
	s.logger.Info("Run finished",
		"run_id", final.ID,
		"status", final.Status,
		"passed", sum.Totals.Passed,
		"failed", sum.Totals.Failed,
		"pass_rate", sum.PassRate)

	if path, err := s.results.Write(&ResultDocument{
		ID:         final.ID,
		SuiteID:    final.SuiteID,
		OrgID:      final.OrgID,
		StartedAt:  final.StartedAt,
		FinishedAt: final.FinishedAt,
		Result: ResultDetail{
			Items:    res.Items,
			Totals:   sum.Totals,
			PassRate: sum.PassRate,
			Judge:    *final.Judge,
		},
	}); err != nil {
		s.logger.Warn("Failed to write run result", "run_id", final.ID, "error", err)
	} else if path != "" {
		s.logger.Debug("Run result written", "run_id", final.ID, "path", path)
	}

	if req.WebhookURL != "" {
		if err := s.webhook.Notify(ctx, req.WebhookURL, final); err != nil {
			s.logger.Warn("Webhook delivery failed", "run_id", final.ID, "error", err)
		}
	}
	return final
}

// fail marks a run failed after an unexpected error.
func (s *Service) fail(ctx context.Context, runID string, cause error) *Run {
	finishedAt := s.now()
	r, err := s.store.Update(context.WithoutCancel(ctx), runID, func(r *Run) error {
		if r.StopRequested {
			r.Status = StatusStopped
		} else {
			r.Status = StatusFailed
		}
		r.FinishedAt = &finishedAt
		r.Error = cause.Error()
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to mark run failed", "run_id", runID, "error", err)
		return &Run{ID: runID, Status: StatusFailed, Error: cause.Error()}
	}
	s.metrics.ObserveRun(r.Status, nil)
	return r
}
