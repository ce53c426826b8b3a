// Package flow implements the orchestrator: the state machine that turns one
// free-text operator message into a terminal outcome.
//
// A request moves Parsing → Resolved → {Executing | AwaitingConfirmation} →
// Terminal.  Every terminal state produces exactly one audit record and a
// RunResult describing the ordered steps taken.  Outcomes are returned as
// data; no panic and no Go error crosses the Handle boundary for an expected
// condition.  A non-nil error from a collaborator is folded into the
// infrastructure-failure outcome.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/solari-hq/spine/common/redact"
	"github.com/solari-hq/spine/common/trace"
	"github.com/solari-hq/spine/internal/assistant/audit"
	"github.com/solari-hq/spine/internal/assistant/catalog"
	"github.com/solari-hq/spine/internal/assistant/confirm"
	"github.com/solari-hq/spine/internal/assistant/intent"
	"github.com/solari-hq/spine/internal/assistant/session"
	"github.com/solari-hq/spine/internal/assistant/tools"
)

// Outcome is the closed set of terminal outcome codes.
type Outcome string

const (
	OutcomeOK                        Outcome = "ok"
	OutcomeUnrecognizedIntent        Outcome = "unrecognized_intent"
	OutcomeUnroutableIntent          Outcome = "unroutable_intent"
	OutcomeConfirmationRequired      Outcome = "confirmation_required"
	OutcomeConfirmationInvalid       Outcome = "confirmation_invalid"
	OutcomeToolDomainFailure         Outcome = "tool_domain_failure"
	OutcomeToolInfrastructureFailure Outcome = "tool_infrastructure_failure"
)

// StepKind discriminates the step variants in a RunResult.
type StepKind string

const (
	StepRespond   StepKind = "respond"
	StepChallenge StepKind = "challenge"
	StepExecute   StepKind = "execute"
)

// Step is one observable action the orchestrator took while handling a
// request.  Kind selects which fields are populated.
type Step struct {
	Kind    StepKind
	Message string

	// Challenge fields.
	ConfirmToken string
	Consequence  string

	// Execute fields.
	Tool   string
	Result *tools.Result
}

// Final is the terminal reply for the operator.
type Final struct {
	// OK is true when the request reached a normal conclusion, including a
	// pending confirmation challenge.  It is false for unrecognized requests,
	// refusals and failures.
	OK      bool
	Message string
	Payload map[string]any
}

// RunResult is the complete, ordered account of one handled request.
type RunResult struct {
	RunID   string
	TraceID string
	Intent  intent.Detected
	Outcome Outcome
	Steps   []Step
	Final   Final
}

// Options carries per-request inputs beyond the message text.
type Options struct {
	// ConfirmToken is the confirmation token accompanying a resubmission of
	// a previously challenged action.  Empty on a first submission.
	ConfirmToken string
}

// DefaultHedgeThreshold is the confidence below which the orchestrator still
// proceeds but prefixes the reply with a hedging qualifier.
const DefaultHedgeThreshold = 0.5

// Orchestrator wires the matcher, catalog, tool registry, confirmation store,
// and audit recorder into the request state machine.  All collaborators are
// injected; an Orchestrator holds no global state.
type Orchestrator struct {
	matcher  *intent.Matcher
	catalog  *catalog.Catalog
	registry *tools.Registry
	confirms confirm.Store
	auditor  audit.Recorder
	hedge    float64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHedgeThreshold overrides the hedging confidence threshold.
func WithHedgeThreshold(h float64) Option {
	return func(o *Orchestrator) { o.hedge = h }
}

// New constructs an Orchestrator and validates the routing table against the
// registry: every tool the catalog routes to must be registered, so an
// unroutable intent is a startup error rather than a runtime surprise.
func New(m *intent.Matcher, cat *catalog.Catalog, reg *tools.Registry, confirms confirm.Store, auditor audit.Recorder, opts ...Option) (*Orchestrator, error) {
	if m == nil || cat == nil || reg == nil || confirms == nil {
		return nil, fmt.Errorf("flow: all collaborators must be non-nil")
	}
	if auditor == nil {
		auditor = audit.Noop{}
	}
	if err := reg.Validate(cat.Tools()); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}
	o := &Orchestrator{
		matcher:  m,
		catalog:  cat,
		registry: reg,
		confirms: confirms,
		auditor:  auditor,
		hedge:    DefaultHedgeThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Detect is a read-only preview: it scores the text without executing
// anything, recording anything in the actor's recency window, or writing an
// execution audit entry.
func (o *Orchestrator) Detect(_ context.Context, text string, sctx session.Context) intent.Detected {
	return o.matcher.Detect(text, sctx)
}

// Handle runs the full state machine for one operator message and returns
// the terminal result.  The caller's deadline and cancellation propagate to
// tool execution through ctx.
func (o *Orchestrator) Handle(ctx context.Context, text string, sctx session.Context, opts Options) *RunResult {
	ctx, traceID := trace.Ensure(ctx)
	run := &RunResult{
		RunID:   uuid.NewString(),
		TraceID: traceID,
	}

	log := slog.With("trace_id", traceID, "actor", sctx.ActorID, "tenant", sctx.TenantID)

	det := o.matcher.Detect(text, sctx)
	run.Intent = det
	log.Debug("intent detected", "intent", det.Name, "confidence", det.Confidence)

	if det.Name == intent.UnknownIntent {
		msg := "Sorry, I did not understand that. Could you rephrase what you want to do?"
		run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
		return o.finish(ctx, run, sctx, "", nil, OutcomeUnrecognizedIntent, Final{
			OK:      false,
			Message: msg,
		}, "no intent cleared the confidence threshold")
	}

	route, ok := o.catalog.Route(det.Name)
	if !ok {
		msg := fmt.Sprintf("I understood %q but no action is wired up for it.", det.Name)
		run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
		return o.finish(ctx, run, sctx, "", nil, OutcomeUnroutableIntent, Final{
			OK:      false,
			Message: msg,
		}, "intent has no route")
	}

	tool, ok := o.registry.Lookup(route.Tool)
	if !ok {
		// Validated at construction; reaching this means the registry changed
		// underneath us.
		msg := fmt.Sprintf("I understood %q but its action is unavailable.", det.Name)
		run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
		return o.finish(ctx, run, sctx, route.Tool, nil, OutcomeUnroutableIntent, Final{
			OK:      false,
			Message: msg,
		}, "route references unregistered tool")
	}

	input := route.BuildInput(det.Slots)
	o.matcher.Observe(sctx.ActorID, det.Name)

	hedge := ""
	if det.Confidence < o.hedge {
		hedge = fmt.Sprintf("I think you mean %s. ", det.Name)
	}

	if tool.Sensitive {
		hash, err := confirm.HashAction(tool.Name, input, sctx.ActorID, sctx.TenantID)
		if err != nil {
			return o.infraFailure(ctx, run, sctx, tool.Name, input, log, err)
		}
		binding := confirm.Binding{
			ActionHash: hash,
			ActorID:    sctx.ActorID,
			TenantID:   sctx.TenantID,
		}

		if opts.ConfirmToken == "" {
			return o.challenge(ctx, run, sctx, tool, input, binding, hedge, log)
		}

		verdict, err := o.confirms.Validate(ctx, opts.ConfirmToken, binding)
		if err != nil {
			return o.infraFailure(ctx, run, sctx, tool.Name, input, log, err)
		}
		if !verdict.Valid {
			// Fail closed. On a mismatch the token is untouched and remains
			// usable for the action it was actually issued for.
			msg := refusalMessage(verdict.Reason)
			run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
			log.Warn("confirmation rejected", "tool", tool.Name, "reason", verdict.Reason)
			return o.finish(ctx, run, sctx, tool.Name, input, OutcomeConfirmationInvalid, Final{
				OK:      false,
				Message: msg,
			}, fmt.Sprintf("confirmation rejected: %s", verdict.Reason))
		}

		consumed, err := o.confirms.Consume(ctx, opts.ConfirmToken)
		if err != nil {
			return o.infraFailure(ctx, run, sctx, tool.Name, input, log, err)
		}
		if !consumed {
			// Lost the race to a concurrent resubmission, or expired between
			// validate and consume.
			msg := refusalMessage(confirm.ReasonConsumed)
			run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
			log.Warn("confirmation consume lost", "tool", tool.Name)
			return o.finish(ctx, run, sctx, tool.Name, input, OutcomeConfirmationInvalid, Final{
				OK:      false,
				Message: msg,
			}, "confirmation token already consumed")
		}
	}

	return o.execute(ctx, run, sctx, tool, input, hedge, log)
}

// challenge issues a confirmation token and returns the pending-confirmation
// terminal state.  The challenge is a normal, successful reply: the operator
// is being asked a question, nothing failed.
func (o *Orchestrator) challenge(ctx context.Context, run *RunResult, sctx session.Context, tool *tools.Tool, input map[string]any, binding confirm.Binding, hedge string, log *slog.Logger) *RunResult {
	token, err := o.confirms.Issue(ctx, binding, confirm.DefaultTTL)
	if err != nil {
		return o.infraFailure(ctx, run, sctx, tool.Name, input, log, err)
	}

	consequence := tool.Consequence
	if consequence == "" {
		consequence = "this action cannot be undone"
	}
	prompt := fmt.Sprintf("%sThis will run %s: %s. Reply \"confirm %s\" within %s to proceed.",
		hedge, tool.Name, consequence, token, confirm.DefaultTTL)

	run.Steps = append(run.Steps, Step{
		Kind:         StepChallenge,
		Message:      prompt,
		ConfirmToken: token,
		Consequence:  consequence,
	})
	log.Info("confirmation challenge issued", "tool", tool.Name)

	return o.finish(ctx, run, sctx, tool.Name, input, OutcomeConfirmationRequired, Final{
		OK:      true,
		Message: prompt,
		Payload: map[string]any{
			"confirmToken": token,
			"prompt":       prompt,
		},
	}, "confirmation challenge issued")
}

// execute runs the tool and maps its result onto a terminal state.
func (o *Orchestrator) execute(ctx context.Context, run *RunResult, sctx session.Context, tool *tools.Tool, input map[string]any, hedge string, log *slog.Logger) *RunResult {
	res, err := o.registry.Execute(ctx, sctx, tool.Name, input)
	if err != nil {
		return o.infraFailure(ctx, run, sctx, tool.Name, input, log, err)
	}

	run.Steps = append(run.Steps, Step{
		Kind:   StepExecute,
		Tool:   tool.Name,
		Result: res,
	})

	if !res.OK {
		msg := hedge + res.Err.Message
		log.Info("tool reported domain failure", "tool", tool.Name, "code", res.Err.Code)
		return o.finish(ctx, run, sctx, tool.Name, input, OutcomeToolDomainFailure, Final{
			OK:      false,
			Message: msg,
			Payload: map[string]any{"error": res.Err},
		}, fmt.Sprintf("%s: %s", res.Err.Code, res.Err.Message))
	}

	msg := hedge + fmt.Sprintf("Done: %s completed.", tool.Name)
	log.Info("tool executed", "tool", tool.Name)
	return o.finish(ctx, run, sctx, tool.Name, input, OutcomeOK, Final{
		OK:      true,
		Message: msg,
		Payload: map[string]any{"data": res.Data},
	}, "executed")
}

// infraFailure folds a collaborator error into the infrastructure-failure
// terminal state.
func (o *Orchestrator) infraFailure(ctx context.Context, run *RunResult, sctx session.Context, toolName string, input map[string]any, log *slog.Logger, err error) *RunResult {
	log.Error("infrastructure failure", "tool", toolName, "err", err)
	msg := "Something went wrong on my side. Nothing was changed; please try again."
	run.Steps = append(run.Steps, Step{Kind: StepRespond, Message: msg})
	return o.finish(ctx, run, sctx, toolName, input, OutcomeToolInfrastructureFailure, Final{
		OK:      false,
		Message: msg,
	}, err.Error())
}

// finish stamps the terminal state onto the run and writes the single audit
// entry for it.  Every terminal path funnels through here exactly once.
func (o *Orchestrator) finish(ctx context.Context, run *RunResult, sctx session.Context, toolName string, input map[string]any, outcome Outcome, final Final, auditMsg string) *RunResult {
	run.Outcome = outcome
	run.Final = final

	granted := outcome == OutcomeOK || outcome == OutcomeToolDomainFailure
	o.auditor.Record(ctx, audit.Entry{
		TraceID:     run.TraceID,
		ActorID:     sctx.ActorID,
		TenantID:    sctx.TenantID,
		Action:      run.Intent.Name,
		ToolName:    toolName,
		Granted:     granted,
		Outcome:     string(outcome),
		InputDigest: inputDigest(input),
		Message:     auditMsg,
		Timestamp:   sctx.Timestamp(),
	})
	return run
}

// inputDigest renders the tool input canonically with sensitive-looking
// values redacted.  Confirmation tokens never appear: they are options, not
// tool input.
func inputDigest(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	canonical, err := confirm.CanonicalJSON(redact.Map(input))
	if err != nil {
		return "<unserializable>"
	}
	return string(canonical)
}

// refusalMessage maps a validation reason to operator-facing wording.
func refusalMessage(reason confirm.Reason) string {
	switch reason {
	case confirm.ReasonExpired:
		return "That confirmation has expired. Please restate the action to get a fresh one."
	case confirm.ReasonConsumed:
		return "That confirmation was already used. Please restate the action to get a fresh one."
	case confirm.ReasonRevoked:
		return "That confirmation was revoked. Please restate the action to get a fresh one."
	case confirm.ReasonMismatch:
		return "That confirmation does not match this request, so I did not proceed."
	default:
		return "I do not recognise that confirmation. Please restate the action to get a fresh one."
	}
}
