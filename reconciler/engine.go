package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/retry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
	"github.com/aws-samples/s3-prefix-level-kms-keys/wal"
)

// Resolver finds the policy for an object's prefix, or nil
type Resolver interface {
	Resolve(ctx context.Context, bucket, key string) (*types.PrefixPolicy, error)
}

// Inspector reads an object's current encryption
type Inspector interface {
	Inspect(ctx context.Context, bucket, key, versionID string) (types.EncryptionState, error)
}

// Remediator rewrites an object under the required key
type Remediator interface {
	Remediate(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (types.RemediationResult, error)
}

// Recorder writes the audit record of one processed event
type Recorder interface {
	Record(ctx context.Context, event types.WriteEvent, required *types.PrefixPolicy, actual types.EncryptionState, decision types.Decision, result types.RemediationResult, cause error) types.DecisionRecord
}

// KeyCanonicalizer rewrites a policy's key reference to the ARN S3 reports
type KeyCanonicalizer interface {
	CanonicalPolicy(ctx context.Context, p types.PrefixPolicy) (types.PrefixPolicy, error)
}

// Guard may veto a remediation
type Guard interface {
	Evaluate(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (bool, string, error)
}

// Journal receives each saga step
type Journal interface {
	Append(step wal.Step, objectPath string, data any) error
	AppendError(step wal.Step, objectPath string, data any, cause error) error
}

// Observer is told how each remediation ended
type Observer interface {
	Remediated(ctx context.Context, outcome string, multipart bool)
}

// Remediation outcomes reported to the Observer
const (
	OutcomeRemediated = "remediated"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Options tunes the engine
type Options struct {
	// Corrective copies allowed per object before it is treated as a
	// policy conflict. Zero disables the cap.
	MaxPasses int
	Retry     retry.Policy
}

// Result is what happened to one event
type Result struct {
	Event       types.WriteEvent
	Policy      *types.PrefixPolicy
	State       types.EncryptionState
	Decision    types.Decision
	Remediation types.RemediationResult
	Record      types.DecisionRecord
}

// Remediated reports whether a corrective copy was written
func (r Result) Remediated() bool {
	return r.Decision.Action == types.ActionRemediate && r.Record.Error == ""
}

// Engine runs the inspect, resolve, evaluate, remediate and record saga
// for one write event at a time. It holds no per-object locks; concurrent
// calls for the same object race the way concurrent S3 writers do.
type Engine struct {
	resolver   Resolver
	inspector  Inspector
	remediator Remediator
	recorder   Recorder

	keys     KeyCanonicalizer
	guard    Guard
	passes   PassTracker
	journal  Journal
	observer Observer

	tracer  trace.Tracer
	options Options
	logger  zerolog.Logger
}

// NewEngine creates an engine with the required collaborators
func NewEngine(
	resolver Resolver,
	inspector Inspector,
	remediator Remediator,
	recorder Recorder,
	options Options,
	logger zerolog.Logger,
) *Engine {
	if options.Retry.MaxAttempts <= 0 {
		options.Retry = retry.DefaultPolicy()
	}
	return &Engine{
		resolver:   resolver,
		inspector:  inspector,
		remediator: remediator,
		recorder:   recorder,
		tracer:     otel.Tracer("prefixkms/reconciler"),
		options:    options,
		logger:     logger.With().Str("component", "reconciler").Logger(),
	}
}

// WithKeys enables canonical key comparison and key usability checks
func (e *Engine) WithKeys(k KeyCanonicalizer) *Engine {
	e.keys = k
	return e
}

// WithGuard installs a remediation guard
func (e *Engine) WithGuard(g Guard) *Engine {
	e.guard = g
	return e
}

// WithPassTracker bounds corrective passes per object
func (e *Engine) WithPassTracker(p PassTracker) *Engine {
	e.passes = p
	return e
}

// WithJournal records saga steps
func (e *Engine) WithJournal(j Journal) *Engine {
	e.journal = j
	return e
}

// WithObserver reports remediation outcomes
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// WithTracer replaces the global tracer
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	e.tracer = t
	return e
}

// Process handles one write event. Exactly one audit record is written for
// every valid event. Benign outcomes (object deleted, version superseded)
// return a nil error; other failures are returned for the caller to
// classify with types.Classify.
func (e *Engine) Process(ctx context.Context, event types.WriteEvent) (Result, error) {
	result := Result{Event: event}
	if err := event.Validate(); err != nil {
		e.logger.Warn().Err(err).Str("message_id", event.MessageID).Msg("dropping invalid event")
		return result, err
	}

	ctx, span := e.tracer.Start(ctx, "reconciler.Process", trace.WithAttributes(
		attribute.String("s3.bucket", event.Bucket),
		attribute.String("s3.key", event.Key),
		attribute.String("s3.version_id", event.VersionID),
	))
	defer span.End()

	err := e.process(ctx, event, &result)

	span.SetAttributes(
		attribute.String("decision.outcome", string(result.Decision.Outcome)),
		attribute.String("decision.code", string(result.Decision.Code)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *Engine) process(ctx context.Context, event types.WriteEvent, result *Result) error {
	path := event.ObjectPath()
	logger := e.logger.With().Str("object", path).Logger()

	versionID := ""
	if event.Versioned() {
		versionID = event.VersionID
	}

	state, err := retry.Value(ctx, e.options.Retry, logger, "inspect", func(ctx context.Context) (types.EncryptionState, error) {
		return e.inspector.Inspect(ctx, event.Bucket, event.Key, versionID)
	})
	if err != nil {
		return e.finish(ctx, logger, result, wal.StepInspected, err)
	}
	result.State = state
	e.step(logger, wal.StepInspected, path, state)

	policy, err := retry.Value(ctx, e.options.Retry, logger, "resolve", func(ctx context.Context) (*types.PrefixPolicy, error) {
		return e.resolver.Resolve(ctx, event.Bucket, event.Key)
	})
	if err != nil {
		return e.finish(ctx, logger, result, wal.StepResolved, err)
	}

	if policy != nil && e.keys != nil {
		canonical, err := retry.Value(ctx, e.options.Retry, logger, "describe_key", func(ctx context.Context) (types.PrefixPolicy, error) {
			return e.keys.CanonicalPolicy(ctx, *policy)
		})
		if err != nil {
			result.Policy = policy
			return e.finish(ctx, logger, result, wal.StepResolved, err)
		}
		policy = &canonical
	}
	result.Policy = policy
	e.step(logger, wal.StepResolved, path, policy)

	decision := Evaluate(policy, state)
	result.Decision = decision
	e.step(logger, wal.StepDecided, path, decision)

	if !decision.NeedsRemediation() {
		e.resetPasses(ctx, logger, event)
		e.record(ctx, result, nil)
		logger.Debug().Str("code", string(decision.Code)).Msg(decision.Reason)
		return nil
	}

	if e.guard != nil {
		allowed, reason, err := e.guard.Evaluate(ctx, event, state, *policy)
		if err != nil {
			return e.finish(ctx, logger, result, wal.StepDecided, types.Permanent(fmt.Errorf("evaluate guard: %w", err)))
		}
		if !allowed {
			result.Decision = withoutAction(decision, types.ReasonGuardDenied, "remediation blocked by guard: "+reason)
			e.step(logger, wal.StepSkipped, path, result.Decision)
			e.observe(ctx, OutcomeSkipped, false)
			e.record(ctx, result, nil)
			logger.Info().Str("guard_reason", reason).Msg("remediation blocked by guard")
			return nil
		}
	}

	if err := e.checkPasses(ctx, event); err != nil {
		result.Decision = withoutAction(decision, types.ReasonPolicyConflict, err.Error())
		return e.finish(ctx, logger, result, wal.StepDecided, err)
	}

	return e.remediate(ctx, logger, event, state, *policy, result)
}

func (e *Engine) remediate(ctx context.Context, logger zerolog.Logger, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy, result *Result) error {
	path := event.ObjectPath()
	e.step(logger, wal.StepRemediating, path, result.Decision)

	var partial types.RemediationResult
	remediation, err := retry.Value(ctx, e.options.Retry, logger, "remediate", func(ctx context.Context) (types.RemediationResult, error) {
		res, err := e.remediator.Remediate(ctx, event, state, policy)
		if err != nil && res.NewVersionID != "" {
			// Already copied; neither another attempt nor a redelivery may copy again
			partial = res
			return res, retry.Stop(types.Permanent(err))
		}
		return res, err
	})
	if err != nil {
		result.Remediation = partial
		if partial.NewVersionID != "" {
			e.countPass(ctx, logger, event)
		}
		if types.Classify(err) == types.ClassBenign {
			e.observe(ctx, OutcomeSkipped, false)
		} else {
			e.observe(ctx, OutcomeFailed, false)
		}
		return e.finish(ctx, logger, result, wal.StepRemediating, err)
	}

	result.Remediation = remediation
	e.countPass(ctx, logger, event)
	e.step(logger, wal.StepRemediated, path, remediation)
	e.observe(ctx, OutcomeRemediated, remediation.Multipart)
	e.record(ctx, result, nil)

	logger.Info().
		Str("reason", result.Decision.Reason).
		Str("new_version", remediation.NewVersionID).
		Str("deleted_version", remediation.DeletedVersionID).
		Msg("remediation initiated")
	return nil
}

// finish records a saga that stopped early. Benign stops are absorbed.
func (e *Engine) finish(ctx context.Context, logger zerolog.Logger, result *Result, step wal.Step, err error) error {
	path := result.Event.ObjectPath()

	if types.Classify(err) == types.ClassBenign {
		code, reason := types.ReasonObjectGone, "object no longer exists"
		if errors.Is(err, types.ErrVersionSuperseded) {
			code, reason = types.ReasonSuperseded, "version superseded before remediation"
		}
		result.Decision = withoutAction(result.Decision, code, reason)
		e.step(logger, wal.StepSkipped, path, result.Decision)
		e.record(ctx, result, nil)
		logger.Info().Err(err).Str("code", string(code)).Msg("nothing to do")
		return nil
	}

	if e.journal != nil {
		if jerr := e.journal.AppendError(wal.StepFailed, path, step, err); jerr != nil {
			logger.Warn().Err(jerr).Msg("failed to journal step")
		}
	}
	if result.Decision.Outcome == "" {
		result.Decision = types.Decision{
			Outcome: types.OutcomeSkipped,
			Action:  types.ActionNone,
			Code:    types.ReasonFailed,
			Reason:  fmt.Sprintf("%s failed", step),
		}
	}
	e.record(ctx, result, err)

	logger.Warn().
		Err(err).
		Str("step", string(step)).
		Str("class", types.Classify(err).String()).
		Msg("processing failed")
	return err
}

func (e *Engine) record(ctx context.Context, result *Result, cause error) {
	result.Record = e.recorder.Record(ctx, result.Event, result.Policy, result.State, result.Decision, result.Remediation, cause)
}

func (e *Engine) step(logger zerolog.Logger, step wal.Step, path string, data any) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(step, path, data); err != nil {
		logger.Warn().Err(err).Str("step", string(step)).Msg("failed to journal step")
	}
}

func (e *Engine) observe(ctx context.Context, outcome string, multipart bool) {
	if e.observer != nil {
		e.observer.Remediated(ctx, outcome, multipart)
	}
}

// checkPasses refuses another copy once MaxPasses copies of the object have
// been written. Failed or vetoed attempts are not counted.
func (e *Engine) checkPasses(ctx context.Context, event types.WriteEvent) error {
	if e.passes == nil || e.options.MaxPasses <= 0 {
		return nil
	}
	n, err := e.passes.Count(ctx, event.ObjectID())
	if err != nil {
		// Losing the counter must not block remediation
		e.logger.Warn().Err(err).Str("object", event.ObjectID()).Msg("failed to read corrective passes")
		return nil
	}
	if n >= e.options.MaxPasses {
		return fmt.Errorf("%w: %s already received %d corrective copies (limit %d)",
			types.ErrPolicyConflict, event.ObjectID(), n, e.options.MaxPasses)
	}
	return nil
}

func (e *Engine) countPass(ctx context.Context, logger zerolog.Logger, event types.WriteEvent) {
	if e.passes == nil {
		return
	}
	if _, err := e.passes.Increment(ctx, event.ObjectID()); err != nil {
		logger.Warn().Err(err).Msg("failed to count corrective pass")
	}
}

func (e *Engine) resetPasses(ctx context.Context, logger zerolog.Logger, event types.WriteEvent) {
	if e.passes == nil {
		return
	}
	if err := e.passes.Reset(ctx, event.ObjectID()); err != nil {
		logger.Warn().Err(err).Msg("failed to reset corrective passes")
	}
}

// withoutAction keeps the verdict but records that nothing was written
func withoutAction(d types.Decision, code types.ReasonCode, reason string) types.Decision {
	if d.Outcome == "" {
		d.Outcome = types.OutcomeSkipped
	}
	d.Action = types.ActionNone
	d.Code = code
	d.Reason = reason
	return d
}
