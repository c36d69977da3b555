package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/cache"
	"github.com/lucasnoah/reqforge/internal/config"
	appctx "github.com/lucasnoah/reqforge/internal/context"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/llm"
	"github.com/lucasnoah/reqforge/internal/phase"
	"github.com/lucasnoah/reqforge/internal/role"
)

var (
	// ErrUnknownExecution is returned for execution ids that do not exist.
	ErrUnknownExecution = errors.New("unknown execution")
	// ErrInvalidRequest is returned when a request fails validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// Orchestrator is the entry point for starting and inspecting executions.
type Orchestrator struct {
	db         *db.DB
	executions *execution.Store
	artifacts  *artifact.Store
	cache      *cache.Cache
	engine     *phase.Engine
	cfg        *config.Config
	logger     *slog.Logger

	// base outlives any single request; Shutdown cancels it.
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	running  map[string]*handle
	inflight map[string]string // fingerprint -> execution id
}

type handle struct {
	fingerprint string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewOrchestrator creates an Orchestrator from its parts.
func NewOrchestrator(
	database *db.DB,
	executions *execution.Store,
	artifacts *artifact.Store,
	c *cache.Cache,
	engine *phase.Engine,
	cfg *config.Config,
) *Orchestrator {
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		db:         database,
		executions: executions,
		artifacts:  artifacts,
		cache:      c,
		engine:     engine,
		cfg:        cfg,
		logger:     slog.Default(),
		base:       base,
		stop:       stop,
		running:    make(map[string]*handle),
		inflight:   make(map[string]string),
	}
}

// Options tunes New.
type Options struct {
	Logger *slog.Logger
	// Sleep replaces the invoker's backoff wait (for testing).
	Sleep func(ctx context.Context, d time.Duration) error
}

// New wires stores, invoker, engine and cache around a database and provider.
func New(database *db.DB, provider llm.Provider, cfg *config.Config, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executions := execution.NewStore(database)
	artifacts := artifact.NewStore(database)

	inv := role.NewInvoker(provider, role.PolicyFrom(cfg.Provider),
		role.WithCallLogger(database),
		role.WithLogger(logger),
		role.WithPromptsDir(cfg.Pipeline.PromptsDir),
		role.WithRateLimit(cfg.Provider.RequestsPerSecond),
	)
	if opts.Sleep != nil {
		inv.Sleep = opts.Sleep
	}

	engine := phase.NewEngine(inv, artifacts, executions, database)
	engine.SetLogger(logger)
	engine.SetProject(appctx.ProjectInfo{Name: cfg.Project.Name, Domain: cfg.Project.Domain})

	c := cache.New(database, executions)
	c.SetLogger(logger)

	o := NewOrchestrator(database, executions, artifacts, c, engine, cfg)
	o.logger = logger
	return o
}

// Engine returns the phase engine, e.g. to attach a progress writer.
func (o *Orchestrator) Engine() *phase.Engine { return o.engine }

// Overrides adjust the configured pipeline settings for one execution.
type Overrides struct {
	MaxIterations     *int     `json:"max_iterations,omitempty"`
	QualityThreshold  *float64 `json:"quality_threshold,omitempty"`
	MaxQuestionRounds *int     `json:"max_question_rounds,omitempty"`
}

// Request describes an execution to start.
type Request struct {
	ProjectID string
	InputText string
	Overrides Overrides
	// NoCache skips the cache lookup. The result is still recorded.
	NoCache bool
}

// Result is an execution together with its latest artifacts.
type Result struct {
	Execution *execution.Execution `json:"execution"`
	Artifacts []artifact.Artifact  `json:"artifacts"`
	CacheHit  bool                 `json:"cache_hit"`
}

// Start is what StartExecution returns.
type Start struct {
	ExecutionID string `json:"execution_id"`
	CacheHit    bool   `json:"cache_hit"`
}

// Settings resolves the settings an execution for req would run with.
func (o *Orchestrator) Settings(req Request) (execution.Settings, error) {
	s := execution.SettingsFrom(o.cfg)
	ov := req.Overrides
	if ov.MaxIterations != nil {
		s.MaxIterations = *ov.MaxIterations
	}
	if ov.QualityThreshold != nil {
		s.QualityThreshold = *ov.QualityThreshold
	}
	if ov.MaxQuestionRounds != nil {
		s.MaxQuestionRounds = *ov.MaxQuestionRounds
	}

	switch {
	case req.ProjectID == "":
		return s, fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	case cache.NormalizeInput(req.InputText) == "":
		return s, fmt.Errorf("%w: input text is empty", ErrInvalidRequest)
	case s.MaxIterations < 1:
		return s, fmt.Errorf("%w: max_iterations must be at least 1", ErrInvalidRequest)
	case s.QualityThreshold < 0 || s.QualityThreshold > 1:
		return s, fmt.Errorf("%w: quality_threshold must be between 0 and 1", ErrInvalidRequest)
	case s.MaxQuestionRounds < 0:
		return s, fmt.Errorf("%w: max_question_rounds must not be negative", ErrInvalidRequest)
	}
	return s, nil
}

func (o *Orchestrator) cacheEnabled(req Request) bool {
	return !req.NoCache && o.cfg.Cache.IsEnabled()
}

// Run executes a request to completion in the calling goroutine. A reusable
// cached execution is returned without invoking any role. A failed execution
// is returned together with its *execution.Failure as the error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	settings, err := o.Settings(req)
	if err != nil {
		return nil, err
	}
	fp, err := cache.Fingerprint(req.InputText, settings)
	if err != nil {
		return nil, err
	}
	compute := func(ctx context.Context) (*execution.Execution, error) {
		return o.execute(ctx, req, settings, fp)
	}

	var (
		ex     *execution.Execution
		hit    bool
		runErr error
	)
	if o.cacheEnabled(req) {
		res, err := o.cache.Do(ctx, fp, o.cfg.Cache.TTL(), compute)
		if res == nil {
			return nil, err
		}
		ex, hit, runErr = res.Execution, res.Hit, err
	} else {
		ex, runErr = compute(ctx)
		if ex == nil {
			return nil, runErr
		}
		if ex.Status.Terminal() {
			if err := o.cache.Record(context.WithoutCancel(ctx), fp, ex); err != nil {
				o.logger.Warn("cache record failed", "execution_id", ex.ID, "error", err)
			}
		}
	}
	if ex == nil {
		return nil, runErr
	}
	if hit {
		o.logger.Info("cache hit", "execution_id", ex.ID, "fingerprint", fp)
	}

	res, err := o.load(context.WithoutCancel(ctx), ex.ID)
	if err != nil {
		return nil, err
	}
	res.CacheHit = hit
	return res, runErr
}

// execute creates a fresh execution and drives it.
func (o *Orchestrator) execute(ctx context.Context, req Request, settings execution.Settings, fp string) (*execution.Execution, error) {
	ex, err := o.create(ctx, req, settings, fp)
	if err != nil {
		return nil, err
	}
	return o.engine.Run(ctx, ex.ID)
}

func (o *Orchestrator) create(ctx context.Context, req Request, settings execution.Settings, fp string) (*execution.Execution, error) {
	ex := &execution.Execution{
		ProjectID:   req.ProjectID,
		InputText:   req.InputText,
		Fingerprint: fp,
		Phase:       execution.PhaseElicitation,
		Settings:    settings,
	}
	if err := o.executions.Create(ctx, ex); err != nil {
		return nil, err
	}
	_ = o.db.LogPipelineEvent(ctx, ex.ID, "created", string(ex.Phase), "", 0, "fingerprint="+fp)
	return ex, nil
}

// StartExecution begins an execution in the background and returns its id
// at once. A reusable cached execution's id is returned instead of starting
// a new one, and a start identical to one still running shares its id.
func (o *Orchestrator) StartExecution(ctx context.Context, req Request) (*Start, error) {
	settings, err := o.Settings(req)
	if err != nil {
		return nil, err
	}
	fp, err := cache.Fingerprint(req.InputText, settings)
	if err != nil {
		return nil, err
	}

	if o.cacheEnabled(req) {
		ex, err := o.cache.Lookup(ctx, fp, o.cfg.Cache.TTL())
		if err != nil {
			return nil, err
		}
		if ex != nil {
			o.logger.Info("cache hit", "execution_id", ex.ID, "fingerprint", fp)
			return &Start{ExecutionID: ex.ID, CacheHit: true}, nil
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.inflight[fp]; ok && o.cacheEnabled(req) {
		return &Start{ExecutionID: id}, nil
	}

	ex, err := o.create(ctx, req, settings, fp)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(o.base)
	h := &handle{fingerprint: fp, cancel: cancel, done: make(chan struct{})}
	o.running[ex.ID] = h
	o.inflight[fp] = ex.ID

	go o.background(runCtx, ex.ID, h)
	return &Start{ExecutionID: ex.ID}, nil
}

func (o *Orchestrator) background(ctx context.Context, id string, h *handle) {
	defer close(h.done)
	defer func() {
		h.cancel()
		o.mu.Lock()
		delete(o.running, id)
		if o.inflight[h.fingerprint] == id {
			delete(o.inflight, h.fingerprint)
		}
		o.mu.Unlock()
	}()

	log := o.logger.With("execution_id", id)
	ex, err := o.engine.Run(ctx, id)
	if ex != nil && ex.Status.Terminal() {
		if rerr := o.cache.Record(context.Background(), h.fingerprint, ex); rerr != nil {
			log.Warn("cache record failed", "error", rerr)
		}
	}
	if err != nil {
		log.Warn("background execution ended with error", "error", err)
	}
}

// Cancel stops an execution between actions. An execution that is pending
// or running but not owned by this process (e.g. its process died) is marked
// failed directly.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	h, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		h.cancel()
		_ = o.db.LogPipelineEvent(ctx, id, "cancel_requested", "", "", 0, "")
		return nil
	}

	ex, err := o.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", id, execution.ErrImmutable)
	}
	f := execution.Failure{
		Category: execution.FailureCancelled,
		Message:  "cancelled while not running in any process",
	}
	_ = o.db.LogPipelineEvent(ctx, id, "failed", string(ex.Phase), "", ex.IterationCount, fmt.Sprintf("%s: %s", f.Category, f.Message))
	_, err = o.executions.Fail(ctx, id, f)
	return err
}

// Wait blocks until a background execution finishes or ctx is done, then
// returns it with its artifacts.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Result, error) {
	o.mu.Lock()
	h, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.load(ctx, id)
}

// Running reports whether an execution is being driven by this process.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Shutdown cancels every background execution and waits for them to record
// their terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	o.mu.Lock()
	handles := make([]*handle, 0, len(o.running))
	for _, h := range o.running {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			select {
			case <-h.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// GetStatus returns the execution record.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*execution.Execution, error) {
	ex, err := o.executions.Get(ctx, id)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	return ex, err
}

// GetArtifact returns the latest version of an artifact, or the given version.
func (o *Orchestrator) GetArtifact(ctx context.Context, id string, t artifact.Type, version *int) (*artifact.Artifact, error) {
	if _, err := o.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	if version != nil {
		return o.artifacts.GetVersion(ctx, id, t, *version)
	}
	return o.artifacts.GetLatest(ctx, id, t)
}

// ListArtifacts returns the latest version of every artifact of an execution.
func (o *Orchestrator) ListArtifacts(ctx context.Context, id string) ([]artifact.Artifact, error) {
	if _, err := o.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	return o.artifacts.List(ctx, id)
}

// History returns every version of one artifact type, oldest first.
func (o *Orchestrator) History(ctx context.Context, id string, t artifact.Type) ([]artifact.Artifact, error) {
	if _, err := o.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	return o.artifacts.History(ctx, id, t)
}

// Events returns the pipeline event trail of an execution.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]db.PipelineEvent, error) {
	if _, err := o.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	return o.db.GetPipelineEvents(ctx, id)
}

// List returns executions, newest first.
func (o *Orchestrator) List(ctx context.Context, f execution.Filter) ([]execution.Execution, error) {
	return o.executions.List(ctx, f)
}

// load reads an execution and its artifacts concurrently.
func (o *Orchestrator) load(ctx context.Context, id string) (*Result, error) {
	res := &Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ex, err := o.GetStatus(gctx, id)
		res.Execution = ex
		return err
	})
	g.Go(func() error {
		arts, err := o.artifacts.List(gctx, id)
		res.Artifacts = arts
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
