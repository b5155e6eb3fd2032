package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/convotest/extraction"
	"github.com/c360studio/convotest/interpolation"
	"github.com/c360studio/convotest/judge"
	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/requests"
	"github.com/c360studio/convotest/synth"
)

const (
	defaultChatTimeout = 60 * time.Second
	maxPlanLen         = 200

	// DefaultWorkflowTimeout bounds one delegated test run.
	DefaultWorkflowTimeout = 5 * time.Minute
)

// DefaultFallbackPrompts are asked, in rotation, when the judge wants the
// conversation to continue but proposes no follow-up.
var DefaultFallbackPrompts = []string{
	"Can you share the official page or link where I can do this?",
	"Could you give me simple step-by-step instructions with where to click?",
	"Can you show me a concrete example I could reuse?",
	"Are there any limits, timing rules, or gotchas I should know about?",
	"What are my next steps from here?",
}

// RequestExecutor runs stored requests for request steps and assertions.
type RequestExecutor interface {
	Execute(ctx context.Context, orgID, requestID string, input map[string]any, authHeader string, logf requests.LogFunc) (*requests.Result, error)
}

// Extractor serves extract steps.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) extraction.Result
}

// Synthesizer proposes the opening user message for iterative tests.
type Synthesizer interface {
	Synthesize(ctx context.Context, objective, persona string, logf synth.LogFunc) (string, bool)
}

type chatModel struct {
	completer llm.Completer
	model     string
}

// Engine executes conversation tests. It is safe for sequential use by one
// run at a time per call; concurrent runs may share an Engine.
type Engine struct {
	judge       judge.Judge
	executor    RequestExecutor
	extractor   Extractor
	synth       Synthesizer
	httpClient  *http.Client
	chatTimeout time.Duration
	chatModels  map[string]chatModel
	workflowURL string
	judgeURL    string
	workflowTTL time.Duration
	fallbacks   []string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithJudge sets the judge. The default is the heuristic judge.
func WithJudge(j judge.Judge) Option {
	return func(e *Engine) { e.judge = j }
}

// WithRequestExecutor enables request steps and request assertions.
func WithRequestExecutor(x RequestExecutor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithExtractor sets the extraction service. The default is heuristic.
func WithExtractor(x Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithSynthesizer sets the opening-message synthesizer. The default wraps
// the configured judge.
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Engine) { e.synth = s }
}

// WithHTTPClient sets the client used by the http_chat channel and
// workflow delegation.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithChatTimeout bounds each chat call when the environment sets no
// timeoutMs.
func WithChatTimeout(d time.Duration) Option {
	return func(e *Engine) { e.chatTimeout = d }
}

// WithChatCompleter registers a completer for a model-backed channel such
// as openai_chat or bedrock_chat.
func WithChatCompleter(channel string, c llm.Completer, modelName string) Option {
	return func(e *Engine) { e.chatModels[channel] = chatModel{completer: c, model: modelName} }
}

// WithWorkflow delegates every test to the workflow engine at url. judgeURL
// is forwarded so the workflow can call back into a judge.
func WithWorkflow(url, judgeURL string) Option {
	return func(e *Engine) {
		e.workflowURL = url
		e.judgeURL = judgeURL
	}
}

// WithWorkflowTimeout bounds each delegated test. Zero or less disables
// the bound.
func WithWorkflowTimeout(d time.Duration) Option {
	return func(e *Engine) { e.workflowTTL = d }
}

// WithFallbackPrompts replaces DefaultFallbackPrompts.
func WithFallbackPrompts(prompts []string) Option {
	return func(e *Engine) { e.fallbacks = prompts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for logs and latency.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		httpClient:  &http.Client{},
		chatTimeout: defaultChatTimeout,
		workflowTTL: DefaultWorkflowTimeout,
		chatModels:  make(map[string]chatModel),
		fallbacks:   DefaultFallbackPrompts,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.judge == nil {
		e.judge = judge.NewHeuristic()
	}
	if e.extractor == nil {
		e.extractor = extraction.New(nil, extraction.WithLogger(e.logger))
	}
	if e.synth == nil {
		e.synth = synth.New(e.judge, e.logger)
	}
	return e
}

// RunTests executes tests in order. It returns ErrStopped, together with
// the items finished so far, once a stop request is observed.
func (e *Engine) RunTests(ctx context.Context, tests []TestDefinition, opts RunOptions) (*RunResult, error) {
	res := &RunResult{Items: []RunItemResult{}, JudgeScores: []float64{}}
	for i, t := range tests {
		if stopRequested(ctx, opts.Stop) {
			return res, ErrStopped
		}
		opts.ItemIndex = i
		item := e.RunTest(ctx, t, opts)
		res.Items = append(res.Items, item)
		res.JudgeScores = append(res.JudgeScores, item.JudgeScores...)
		if item.Status == StatusPassed {
			res.Passed++
		} else {
			res.Failed++
		}
		if item.Stopped() {
			return res, ErrStopped
		}
	}
	return res, nil
}

// RunTest executes one test. Errors never escape: they produce a failed
// item carrying the message. A stop yields an item whose Stopped reports
// true.
func (e *Engine) RunTest(ctx context.Context, t TestDefinition, opts RunOptions) RunItemResult {
	ctx = llm.WithCallScope(ctx, llm.CallScope{RunID: opts.RunID, TestID: t.ID})
	tr := &testRun{
		e:       e,
		test:    t,
		opts:    opts,
		bag:     NewVariableBag(),
		maxTurn: t.EffectiveMaxTurns(),
		minTurn: t.EffectiveMinTurns(),
	}

	item, err := tr.execute(ctx)
	if err != nil {
		if !errors.Is(err, ErrStopped) {
			e.logger.Warn("Test failed", "test_id", t.ID, "error", err)
		}
		transcript := tr.bag.Transcript()
		return RunItemResult{
			TestID:        t.ID,
			TestName:      t.Name,
			Status:        StatusFailed,
			Transcript:    transcript,
			MessageCounts: countMessages(transcript),
			Assertions:    tr.assertions,
			Timings:       ComputeLatency(tr.latencies),
			Error:         &ItemError{Message: errorMessage(err), Stopped: errors.Is(err, ErrStopped)},
			Log:           tr.log,
		}
	}
	return item
}

func errorMessage(err error) string {
	if errors.Is(err, ErrStopped) {
		return ErrStopped.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "exec_failed"
}

func stopRequested(ctx context.Context, flag StopFlag) bool {
	if ctx.Err() != nil {
		return true
	}
	return flag != nil && flag.StopRequested(ctx)
}

// channelFor picks the channel for env.
func (e *Engine) channelFor(env Environment) (Channel, error) {
	timeout := e.chatTimeout
	if env.TimeoutMs > 0 {
		timeout = time.Duration(env.TimeoutMs) * time.Millisecond
	}

	switch name := env.EffectiveChannel(); name {
	case ChannelHTTPChat:
		if strings.TrimSpace(env.BaseURL) == "" {
			return nil, ErrWorkflowUnconfigured
		}
		return NewHTTPChat(env.BaseURL, env.Headers, timeout, e.httpClient), nil
	default:
		cm, ok := e.chatModels[name]
		if !ok || cm.completer == nil {
			return nil, fmt.Errorf("%w: no completer for channel %s", ErrWorkflowUnconfigured, name)
		}
		modelName := cm.model
		if env.Model != "" {
			modelName = env.Model
		}
		return NewLLMChat(name, modelName, cm.completer, timeout), nil
	}
}

// testRun is the mutable state of one test execution.
type testRun struct {
	e       *Engine
	test    TestDefinition
	opts    RunOptions
	channel Channel
	bag     *VariableBag

	system      []TranscriptMessage
	turns       int
	maxTurn     int
	minTurn     int
	latencies   []int64
	assertions  []AssertionResult
	scores      []float64
	log         []LogEntry
	fallbackIdx int

	lastLatency int64
	lastTurnAt  *time.Time
	lastJudge   *JudgeSnapshot
}

func (tr *testRun) execute(ctx context.Context) (RunItemResult, error) {
	t := tr.test
	item := RunItemResult{TestID: t.ID, TestName: t.Name}

	if tr.e.workflowURL != "" {
		wf, err := tr.e.delegate(ctx, t, tr.opts)
		if err != nil {
			return item, err
		}
		tr.bag.Append(wf.Transcript...)
		tr.assertions = wf.Assertions
		item.Status = wf.Status
		item.Transcript = wf.Transcript
		item.MessageCounts = wf.MessageCounts
		item.Timings = wf.Timings
		item.Error = wf.Error
	} else {
		ch, err := tr.e.channelFor(tr.opts.Environment)
		if err != nil {
			return item, err
		}
		tr.channel = ch

		if len(t.Steps) > 0 {
			tr.record(LogEntry{Type: "env", Details: ch.Describe()})
			err = tr.runSteps(ctx)
		} else {
			err = tr.runIterative(ctx)
		}
		if err != nil {
			return item, err
		}

		transcript := tr.bag.Transcript()
		item.Status = StatusPassed
		item.Transcript = transcript
		item.MessageCounts = countMessages(transcript)
		item.Timings = ComputeLatency(tr.latencies)
	}

	tr.evaluateAssertions(ctx)

	if item.Transcript == nil {
		item.Transcript = []TranscriptMessage{}
	}
	item.Assertions = tr.assertions
	if item.Assertions == nil {
		item.Assertions = []AssertionResult{}
	}
	for _, a := range item.Assertions {
		if a.Failing() {
			item.Status = StatusFailed
			break
		}
	}
	item.JudgeScores = tr.scores
	item.Log = tr.log
	return item, nil
}

func (tr *testRun) runSteps(ctx context.Context) error {
	for i, st := range tr.test.Steps {
		if err := tr.checkStop(ctx); err != nil {
			return err
		}
		done, err := tr.runStep(ctx, i, st)
		if err != nil {
			return err
		}
		if err := tr.checkStop(ctx); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// runStep executes one step. It reports true once maxTurns is reached.
func (tr *testRun) runStep(ctx context.Context, idx int, st Step) (bool, error) {
	switch s := st.(type) {
	case MessageStep:
		content := interpolation.Expand(s.Content, tr.bag.View())
		if strings.EqualFold(strings.TrimSpace(s.Role), "system") {
			tr.addSystem(content)
			tr.record(LogEntry{Type: "system_message", Content: content})
			return false, nil
		}
		tr.record(LogEntry{Type: "user_message", Content: content})
		if err := tr.send(ctx, content); err != nil {
			return false, err
		}
		tr.turns++
		return tr.turns >= tr.maxTurn, nil

	case RequestStep:
		tr.runRequestStep(ctx, s)
		return false, nil

	case AssistantCheckStep:
		tr.runAssistantCheck(ctx, idx, s)
		return false, nil

	case ExtractStep:
		tr.runExtract(ctx, s)
		return false, nil

	case UnknownStep:
		tr.record(LogEntry{Type: "step_skip", Reason: "unknown_type", Details: map[string]any{"raw": s}})
		return false, nil

	default:
		panic(fmt.Sprintf("engine: unhandled step type %T", st))
	}
}

func (tr *testRun) runRequestStep(ctx context.Context, s RequestStep) {
	details := map[string]any{"stage": "step", "requestId": s.RequestID}
	if tr.e.executor == nil {
		tr.record(LogEntry{Type: "request_error", Error: "request executor not configured", Details: details})
		return
	}

	var input map[string]any
	if s.Input != nil {
		input, _ = interpolation.InterpolateDeep(s.Input, tr.bag.View()).(map[string]any)
	}
	if input == nil {
		input = map[string]any{}
	}

	res, err := tr.e.executor.Execute(ctx, tr.orgID(), s.RequestID, input, tr.opts.AuthHeader, tr.requestLog)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "exec_failed"
		}
		tr.record(LogEntry{Type: "request_error", Error: msg, Details: details})
		return
	}

	tr.bag.SetLastRequest(res.Payload)
	key := s.SaveAs
	if key == "" {
		key = s.RequestID
	}
	tr.bag.SetVar(key, res.Payload)
	if s.ID != "" {
		tr.bag.SetStepOutput(s.ID, res.Payload, map[string]any{"status": res.Status})
	}
	details["status"] = res.Status
	tr.record(LogEntry{Type: "request", Details: details})
}

func (tr *testRun) runAssistantCheck(ctx context.Context, idx int, s AssistantCheckStep) {
	mode := s.Mode
	if mode == "" {
		mode = "judge"
	}
	if mode != "judge" {
		tr.record(LogEntry{Type: "step_skip", Subtype: "assistant_check", Reason: "unknown_mode", Details: map[string]any{"step": s}})
		return
	}
	rubric := strings.TrimSpace(s.Rubric)
	if rubric == "" {
		tr.record(LogEntry{Type: "step_skip", Subtype: "assistant_check_judge", Reason: "missing_rubric", Details: map[string]any{"step": s}})
		return
	}
	scope := s.Scope
	if scope == "" {
		scope = judge.ScopeLast
	}

	transcript := tr.bag.Transcript()
	v := tr.e.judge.Evaluate(ctx, judge.Request{
		Rubric:        rubric,
		Threshold:     s.Threshold,
		Transcript:    transcript,
		LastAssistant: lastByRole(transcript, "assistant"),
		Scope:         scope,
	})

	details := verdictDetails(v, rubric)
	details["stepName"] = s.Name
	pass := v.Pass
	tr.record(LogEntry{Type: "judge_check", Subtype: "assistant_check_judge", Pass: &pass, Details: withIndex(details, idx)})
	tr.judged(pass, details)
	tr.publish(ctx)

	severity := s.Severity
	if severity == "" {
		severity = SeverityError
	}
	tr.assertions = append(tr.assertions, AssertionResult{
		Type:     AssertAssistantCheck,
		Subtype:  "judge",
		Severity: severity,
		Name:     s.Name,
		StepID:   s.ID,
		Config:   AssertionConfig{Rubric: rubric, Scope: scope, Threshold: s.Threshold},
		Pass:     pass,
		Details:  details,
	})
}

func withIndex(details map[string]any, idx int) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["stepIndex"] = idx
	return out
}

func (tr *testRun) runExtract(ctx context.Context, s ExtractStep) {
	name := strings.TrimSpace(s.VariableName)
	desc := strings.TrimSpace(s.Description)
	switch {
	case name == "":
		tr.record(LogEntry{Type: "step_skip", Subtype: "extract", Reason: "missing_variable_name", Details: map[string]any{"step": s}})
		return
	case desc == "":
		tr.record(LogEntry{Type: "step_skip", Subtype: "extract", Reason: "missing_description", Details: map[string]any{"step": s}})
		return
	}
	scope := s.Scope
	if scope == "" {
		scope = judge.ScopeLast
	}

	transcript := tr.bag.Transcript()
	res := tr.e.extractor.Extract(ctx, extraction.Request{
		VariableName:  name,
		Description:   desc,
		Scope:         scope,
		LastAssistant: lastByRole(transcript, "assistant"),
		Transcript:    transcript,
	})
	if res.Success && res.Value != nil {
		tr.bag.SetVar(name, res.Value)
		if s.ID != "" {
			tr.bag.SetStepOutput(s.ID, res.Value, map[string]any{"success": true})
		}
	}

	success := res.Success
	tr.record(LogEntry{
		Type:  "extract",
		Pass:  &success,
		Error: res.Error,
		Details: map[string]any{
			"variableName": name,
			"description":  desc,
			"scope":        scope,
			"success":      res.Success,
			"value":        res.Value,
			"reasoning":    res.Reasoning,
		},
	})
}

func (tr *testRun) runIterative(ctx context.Context) error {
	t := tr.test
	pending := t.Script.ByRole("user")
	if _, ok := tr.channel.(systemContexter); ok {
		for _, content := range t.Script.ByRole("system") {
			tr.system = append(tr.system, TranscriptMessage{Role: "system", Content: content})
		}
	}

	objective := strings.TrimSpace(t.Objective)
	if len(pending) == 0 || (objective != "" && strings.TrimSpace(pending[0]) == objective) {
		if first, ok := tr.e.synth.Synthesize(ctx, objective, t.Persona, tr.synthLog); ok {
			if len(pending) == 0 {
				pending = append(pending, first)
			} else {
				pending[0] = first
			}
		}
	}
	if len(pending) == 0 {
		return ErrNoUserMessage
	}
	tr.record(LogEntry{Type: "env", Details: tr.channel.Describe()})

	rubric, threshold := t.SemanticRubric()
	judging := t.ShouldIterate() && rubric != ""

	for len(pending) > 0 && tr.turns < tr.maxTurn {
		if err := tr.checkStop(ctx); err != nil {
			return err
		}
		msg := pending[0]
		pending = pending[1:]

		tr.record(LogEntry{Type: "user_message", Content: msg})
		if err := tr.send(ctx, msg); err != nil {
			return err
		}
		tr.turns++
		if err := tr.checkStop(ctx); err != nil {
			return err
		}
		if !judging {
			continue
		}

		transcript := tr.bag.Transcript()
		v := tr.e.judge.Evaluate(ctx, judge.Request{
			Rubric:        rubric,
			Threshold:     threshold,
			Transcript:    transcript,
			LastAssistant: lastByRole(transcript, "assistant"),
			RequestNext:   true,
			Persona:       t.Persona,
		})

		if judgeFailed(v) {
			fail := false
			details := map[string]any{"error": v.Reasoning}
			tr.record(LogEntry{Type: "judge_check", Subtype: "semantic", Pass: &fail, Details: details})
			tr.judged(false, details)
			tr.publish(ctx)
			continue
		}

		details := verdictDetails(v, rubric)
		pass := v.Pass
		tr.record(LogEntry{Type: "judge_check", Subtype: "semantic", Pass: &pass, Details: details})
		tr.judged(pass, details)
		tr.publish(ctx)

		if pass {
			if !t.ContinueAfterPass && tr.turns >= tr.minTurn {
				break
			}
			tr.record(LogEntry{
				Type:    "judge_decision",
				Content: fmt.Sprintf("pass but continuing (minTurns=%d, continueAfterPass=%t)", tr.minTurn, t.ContinueAfterPass),
			})
		}
		if !v.Continue() {
			tr.record(LogEntry{Type: "judge_decision", Content: "judge requested stop"})
			break
		}
		if tr.turns >= tr.maxTurn {
			continue
		}

		lastUser := lastByRole(tr.bag.Transcript(), "user")
		next := v.NextUser
		if strings.TrimSpace(next) == "" || sameMessage(next, lastUser) {
			next = tr.nextFallback(lastUser)
		}
		if strings.TrimSpace(next) == "" || sameMessage(next, lastUser) {
			tr.record(LogEntry{Type: "plan_skip", Content: "no unused follow-up left"})
			break
		}
		pending = append(pending, next)
		tr.record(LogEntry{Type: "plan", Content: "next_user: " + clampRunes(next, maxPlanLen)})
	}
	return nil
}

// nextFallback returns the next rotation prompt that does not repeat
// lastUser, or the first prompt when every candidate does.
func (tr *testRun) nextFallback(lastUser string) string {
	prompts := tr.e.fallbacks
	if len(prompts) == 0 {
		return ""
	}
	for k := range prompts {
		idx := (tr.fallbackIdx + k) % len(prompts)
		if !sameMessage(prompts[idx], lastUser) {
			tr.fallbackIdx = (idx + 1) % len(prompts)
			return prompts[idx]
		}
	}
	return prompts[0]
}

func sameMessage(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func judgeFailed(v judge.Verdict) bool {
	return strings.HasPrefix(v.Reasoning, judge.ReasonError) || v.Reasoning == judge.ReasonParseFailed
}

func verdictDetails(v judge.Verdict, rubric string) map[string]any {
	details := map[string]any{
		"score":     v.Score,
		"threshold": v.Threshold,
		"reasoning": v.Reasoning,
		"rubric":    rubric,
	}
	if v.Error != "" {
		details["error"] = v.Error
	} else if judgeFailed(v) {
		details["error"] = v.Reasoning
	}
	return details
}

// send executes one turn.
func (tr *testRun) send(ctx context.Context, msg string) error {
	start := tr.e.now()
	reply, err := tr.channel.Send(ctx, Turn{
		Message:    msg,
		Transcript: tr.bag.Transcript(),
		System:     tr.system,
		Persona:    tr.test.Persona,
		AuthHeader: tr.opts.AuthHeader,
	})
	if err != nil {
		return err
	}
	end := tr.e.now()
	dt := end.Sub(start).Milliseconds()

	tr.latencies = append(tr.latencies, dt)
	tr.bag.Append(
		TranscriptMessage{Role: "user", Content: msg},
		TranscriptMessage{Role: "assistant", Content: reply.Content},
	)
	tr.bag.SetLastTurn(msg, reply.Content)
	tr.lastLatency = dt
	tr.lastTurnAt = &end
	tr.record(LogEntry{Type: "assistant_reply", Content: reply.Content, LatencyMs: dt})
	tr.publish(ctx)
	return nil
}

func (tr *testRun) addSystem(content string) {
	msg := TranscriptMessage{Role: "system", Content: content}
	if _, ok := tr.channel.(systemContexter); ok {
		tr.system = append(tr.system, msg)
		return
	}
	tr.bag.Append(msg)
}

func (tr *testRun) checkStop(ctx context.Context) error {
	if stopRequested(ctx, tr.opts.Stop) {
		tr.e.logger.Info("Stop observed", "run_id", tr.opts.RunID, "test_id", tr.test.ID, "turns", tr.turns)
		return ErrStopped
	}
	return nil
}

func (tr *testRun) orgID() string {
	if tr.opts.OrgID != "" {
		return tr.opts.OrgID
	}
	return tr.test.OrgID
}

func (tr *testRun) record(entry LogEntry) {
	entry.Time = tr.e.now()
	tr.log = append(tr.log, entry)
}

func (tr *testRun) requestLog(kind string, details map[string]any) {
	entry := LogEntry{Type: kind, Details: details}
	if msg, ok := details["error"].(string); ok {
		entry.Error = msg
	}
	tr.record(entry)
}

func (tr *testRun) synthLog(kind, content string) {
	tr.record(LogEntry{Type: kind, Content: content})
}

func (tr *testRun) judged(pass bool, details map[string]any) {
	tr.lastJudge = &JudgeSnapshot{Pass: pass, Details: details}
}

func (tr *testRun) publish(ctx context.Context) {
	sink := tr.opts.Progress
	if sink == nil {
		return
	}
	p := Progress{
		Status:         "running",
		CurrentTestID:  tr.test.ID,
		CurrentItem:    tr.opts.ItemIndex,
		LastTurnAt:     tr.lastTurnAt,
		LastAssistant:  tr.bag.LastAssistant(),
		LastUser:       tr.bag.LastUser(),
		LastLatencyMs:  tr.lastLatency,
		LastJudge:      tr.lastJudge,
		TailTranscript: tail(tr.bag.transcript, progressTranscriptTail),
		TailLogs:       tail(tr.log, progressLogTail),
		UpdatedAt:      tr.e.now(),
	}
	if err := sink.Publish(ctx, p); err != nil {
		tr.e.logger.Debug("Progress publish failed", "test_id", tr.test.ID, "error", err)
	}
}
