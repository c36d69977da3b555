package role

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/reqforge/internal/config"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/llm"
	"github.com/lucasnoah/reqforge/internal/prompt"
)

// CallLogger records provider attempts. *db.DB satisfies it.
type CallLogger interface {
	LogRoleCall(ctx context.Context, c db.RoleCall) error
}

// Policy bounds how an action talks to the provider.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

// PolicyFrom reads the call policy from provider config.
func PolicyFrom(p config.Provider) Policy {
	return Policy{
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.BackoffDuration(),
		MaxBackoff:  p.MaxBackoffDuration(),
		Timeout:     p.TimeoutDuration(),
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Input is what an action is invoked with.
type Input struct {
	ExecutionID string
	Profile     config.RoleConfig
	Vars        prompt.Vars
}

// Invoker runs actions against the provider with bounded retries.
type Invoker struct {
	provider   llm.Provider
	policy     Policy
	promptsDir string
	limiter    *rate.Limiter
	calls      CallLogger
	logger     *slog.Logger
	tracer     trace.Tracer

	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithCallLogger records every attempt.
func WithCallLogger(c CallLogger) Option { return func(i *Invoker) { i.calls = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(i *Invoker) { i.logger = l } }

// WithTracer sets the tracer used for action spans.
func WithTracer(t trace.Tracer) Option { return func(i *Invoker) { i.tracer = t } }

// WithPromptsDir sets the directory searched for prompt overrides.
func WithPromptsDir(dir string) Option { return func(i *Invoker) { i.promptsDir = dir } }

// WithRateLimit caps provider calls per second across all executions.
func WithRateLimit(perSecond float64) Option {
	return func(i *Invoker) {
		if perSecond > 0 {
			i.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewInvoker creates an Invoker.
func NewInvoker(p llm.Provider, policy Policy, opts ...Option) *Invoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	inv := &Invoker{
		provider: p,
		policy:   policy,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/lucasnoah/reqforge/internal/role"),
		Sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invoke performs action as r. Each attempt is one provider call; transient
// failures are retried with exponential backoff up to the policy's attempt
// limit, permanent failures are returned at once. A call already in flight
// is never interrupted by cancellation of ctx, only by the per-call timeout.
func (inv *Invoker) Invoke(ctx context.Context, r Role, action Action, in Input) (*RawResult, error) {
	b, err := Lookup(action)
	if err != nil {
		return nil, err
	}
	if b.Role != r {
		return nil, fmt.Errorf("action %s is bound to %s, not %s", action, b.Role, r)
	}

	ctx, span := inv.tracer.Start(ctx, "role.invoke", trace.WithAttributes(
		attribute.String("reqforge.execution_id", in.ExecutionID),
		attribute.String("reqforge.action", string(action)),
		attribute.String("reqforge.role", string(r)),
		attribute.String("gen_ai.request.model", in.Profile.Model),
	))
	defer span.End()

	text, err := prompt.ForAction(string(action), inv.promptsDir, in.Vars)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ActionError{Action: action, Role: r, Category: execution.FailurePermanent, Err: err}
	}

	req := llm.Request{
		Action:       string(action),
		Role:         string(r),
		Model:        in.Profile.Model,
		Temperature:  in.Profile.Temperature,
		MaxTokens:    in.Profile.MaxTokens,
		SystemPrompt: in.Profile.SystemPrompt,
		Prompt:       text,
		Parameters:   in.Profile.Parameters,
	}
	log := inv.logger.With("execution_id", in.ExecutionID, "action", action, "role", r)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		out, err := inv.call(ctx, req)
		inv.record(ctx, in.ExecutionID, req, attempt, time.Since(start), err)
		span.SetAttributes(attribute.Int("reqforge.attempts", attempt))

		if err == nil {
			res := &RawResult{Action: action, Role: r, Model: req.Model, Text: out, Attempts: attempt}
			if parsed, perr := Parse(action, out); perr != nil {
				res.Kind = ResultRaw
				res.ParseError = perr.Error()
				log.Warn("role output not understood, keeping raw text", "error", perr)
			} else {
				res.Kind = ResultParsed
				res.Parsed = parsed
			}
			span.SetStatus(codes.Ok, "")
			return res, nil
		}

		fail := func(cat execution.FailureCategory, cause error) error {
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
			return &ActionError{Action: action, Role: r, Category: cat, Attempts: attempt, Err: cause}
		}

		if llm.Classify(err) == llm.Permanent {
			log.Error("permanent provider failure", "attempt", attempt, "error", err)
			return nil, fail(execution.FailurePermanent, err)
		}
		if attempt >= inv.policy.MaxAttempts {
			log.Error("giving up after transient failures", "attempts", attempt, "error", err)
			return nil, fail(execution.FailureTransient, err)
		}

		delay := inv.policy.Delay(attempt)
		log.Warn("transient provider failure, retrying", "attempt", attempt, "delay", delay, "error", err)
		if serr := inv.Sleep(ctx, delay); serr != nil {
			return nil, fail(execution.FailureCancelled, fmt.Errorf("retry abandoned: %w", serr))
		}
	}
}

// call performs one provider request detached from the caller's cancellation.
func (inv *Invoker) call(ctx context.Context, req llm.Request) (string, error) {
	callCtx := context.WithoutCancel(ctx)
	if inv.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, inv.policy.Timeout)
		defer cancel()
	}
	if inv.limiter != nil {
		if err := inv.limiter.Wait(callCtx); err != nil {
			return "", llm.NewTransient(inv.provider.Name(), "rate limiter", err)
		}
	}
	out, err := inv.provider.Complete(callCtx, req)
	if err != nil {
		return "", llm.TranslateError(inv.provider.Name(), err)
	}
	return out, nil
}

func (inv *Invoker) record(ctx context.Context, executionID string, req llm.Request, attempt int, took time.Duration, err error) {
	if inv.calls == nil {
		return
	}
	c := db.RoleCall{
		ExecutionID: executionID,
		Action:      req.Action,
		Role:        req.Role,
		Model:       req.Model,
		Attempt:     attempt,
		Outcome:     db.CallOK,
		DurationMs:  took.Milliseconds(),
	}
	if err != nil {
		c.Outcome = string(llm.Classify(err))
		c.Error = err.Error()
	}
	_ = inv.calls.LogRoleCall(context.WithoutCancel(ctx), c)
}
