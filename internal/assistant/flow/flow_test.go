package flow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/solari-hq/spine/internal/assistant/audit"
	"github.com/solari-hq/spine/internal/assistant/catalog"
	"github.com/solari-hq/spine/internal/assistant/confirm"
	"github.com/solari-hq/spine/internal/assistant/flow"
	"github.com/solari-hq/spine/internal/assistant/intent"
	"github.com/solari-hq/spine/internal/assistant/session"
	"github.com/solari-hq/spine/internal/assistant/tools"
)

// recordingRecorder captures audit entries for assertions.
type recordingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingRecorder) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingRecorder) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// fixture is one fully wired orchestrator with stub tools.
type fixture struct {
	orch     *flow.Orchestrator
	recorder *recordingRecorder

	mu       sync.Mutex
	executed []string // tool names, in execution order
}

func (f *fixture) recordExec(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
}

func (f *fixture) executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{recorder: &recordingRecorder{}}

	reg := tools.NewRegistry()
	reg.MustRegister(tools.Tool{
		Name: "bookings.list",
		Handler: func(_ context.Context, _ session.Context, _ map[string]any) (*tools.Result, error) {
			f.recordExec("bookings.list")
			return tools.Succeed([]map[string]any{{"id": "bk_1", "customer": "Ada"}}), nil
		},
	})
	reg.MustRegister(tools.Tool{
		Name: "bookings.create",
		Handler: func(_ context.Context, _ session.Context, input map[string]any) (*tools.Result, error) {
			f.recordExec("bookings.create")
			return tools.Succeed(map[string]any{"id": "bk_new"}), nil
		},
	})
	reg.MustRegister(tools.Tool{
		Name:        "bookings.cancel",
		Sensitive:   true,
		Consequence: "the booking will be cancelled and the slot released",
		Handler: func(_ context.Context, _ session.Context, input map[string]any) (*tools.Result, error) {
			f.recordExec("bookings.cancel")
			return tools.Succeed(map[string]any{"cancelled": input["bookingId"]}), nil
		},
	})
	reg.MustRegister(tools.Tool{
		Name: "invoices.show",
		Handler: func(_ context.Context, _ session.Context, input map[string]any) (*tools.Result, error) {
			f.recordExec("invoices.show")
			return tools.Succeed(map[string]any{"id": input["invoiceId"]}), nil
		},
	})
	reg.MustRegister(tools.Tool{
		Name:        "invoices.refund",
		Sensitive:   true,
		Consequence: "money will be returned to the customer",
		Handler: func(_ context.Context, _ session.Context, input map[string]any) (*tools.Result, error) {
			f.recordExec("invoices.refund")
			switch input["invoiceId"] {
			case "invoice_missing":
				return tools.Fail(tools.CodeNotFound, "invoice invoice_missing not found"), nil
			case "invoice_broken":
				return nil, errors.New("payments backend unreachable")
			}
			return tools.Succeed(map[string]any{"refunded": input["amount"]}), nil
		},
	})

	cat := catalog.Default()
	m, err := intent.NewMatcher(cat.Patterns())
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	orch, err := flow.New(m, cat, reg, confirm.NewMemoryStore(), f.recorder)
	if err != nil {
		t.Fatalf("flow.New: %v", err)
	}
	f.orch = orch
	return f
}

func actorCtx() session.Context {
	return session.Context{
		ActorID:  "@ada:example.com",
		TenantID: "acme",
		Channel:  session.ChannelChat,
	}
}

// --- Immediate execution ---

func TestHandle_NonSensitiveExecutesImmediately(t *testing.T) {
	f := newFixture(t)

	run := f.orch.Handle(context.Background(), "list bookings", actorCtx(), flow.Options{})

	if run.Outcome != flow.OutcomeOK {
		t.Fatalf("outcome: got %q, want ok (final: %+v)", run.Outcome, run.Final)
	}
	if !run.Final.OK {
		t.Error("Final.OK should be true")
	}
	if got := f.executions(); len(got) != 1 || got[0] != "bookings.list" {
		t.Errorf("executions: got %v", got)
	}
	if len(run.Steps) != 1 || run.Steps[0].Kind != flow.StepExecute {
		t.Errorf("expected single execute step, got %+v", run.Steps)
	}
	for _, step := range run.Steps {
		if step.Kind == flow.StepChallenge {
			t.Error("non-sensitive tool must never be challenged")
		}
	}
	if run.RunID == "" || run.TraceID == "" {
		t.Error("run and trace IDs should be set")
	}
}

func TestHandle_UnknownIntent(t *testing.T) {
	f := newFixture(t)

	run := f.orch.Handle(context.Background(), "what is the weather in lisbon", actorCtx(), flow.Options{})

	if run.Outcome != flow.OutcomeUnrecognizedIntent {
		t.Fatalf("outcome: got %q, want unrecognized_intent", run.Outcome)
	}
	if run.Final.OK {
		t.Error("an unrecognized request must not report success")
	}
	if !strings.Contains(run.Final.Message, "rephrase") {
		t.Errorf("reply should ask for a rephrase, got %q", run.Final.Message)
	}
	if run.Intent.Name != intent.UnknownIntent {
		t.Errorf("intent: got %q", run.Intent.Name)
	}
	if len(f.executions()) != 0 {
		t.Errorf("no tool should run, got %v", f.executions())
	}

	entries := f.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Granted {
		t.Error("unknown intent must not be recorded as granted")
	}
}

// --- Confirmation flow ---

func TestHandle_SensitiveChallengesFirst(t *testing.T) {
	f := newFixture(t)

	run := f.orch.Handle(context.Background(), "refund invoice invoice_ab12 $10", actorCtx(), flow.Options{})

	if run.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("outcome: got %q, want confirmation_required (final: %+v)", run.Outcome, run.Final)
	}
	if !run.Final.OK {
		t.Error("a challenge is a normal conclusion, Final.OK should be true")
	}
	if len(f.executions()) != 0 {
		t.Errorf("tool must not run before confirmation, got %v", f.executions())
	}

	token, _ := run.Final.Payload["confirmToken"].(string)
	if !strings.HasPrefix(token, "cf_") {
		t.Fatalf("payload confirmToken: got %q", token)
	}
	if !strings.Contains(run.Final.Message, "money will be returned to the customer") {
		t.Errorf("prompt should name the consequence: %q", run.Final.Message)
	}
	if len(run.Steps) != 1 || run.Steps[0].Kind != flow.StepChallenge {
		t.Errorf("expected single challenge step, got %+v", run.Steps)
	}

	entries := f.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Granted {
		t.Error("challenge must not be recorded as granted")
	}
	if strings.Contains(entries[0].InputDigest, token) || strings.Contains(entries[0].Message, token) {
		t.Error("audit entry must never carry the raw token")
	}
}

func TestHandle_RefundTwoStep(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()
	text := "refund invoice invoice_ab12 $10"

	// Step 1: challenge
	first := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	if first.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("first outcome: got %q", first.Outcome)
	}
	token := first.Final.Payload["confirmToken"].(string)

	// Step 2: resubmit with the token
	second := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: token})
	if second.Outcome != flow.OutcomeOK {
		t.Fatalf("second outcome: got %q (final: %+v)", second.Outcome, second.Final)
	}
	if got := f.executions(); len(got) != 1 || got[0] != "invoices.refund" {
		t.Errorf("executions: got %v", got)
	}

	// Step 3: the token is spent
	third := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: token})
	if third.Outcome != flow.OutcomeConfirmationInvalid {
		t.Fatalf("third outcome: got %q", third.Outcome)
	}
	if third.Final.OK {
		t.Error("a spent token is a refusal")
	}
	if got := f.executions(); len(got) != 1 {
		t.Errorf("tool must not run again, executions: %v", got)
	}

	entries := f.recorder.all()
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries (one per terminal state), got %d", len(entries))
	}
	for i, e := range entries {
		if e.ActorID == "" || e.TenantID == "" {
			t.Errorf("entry[%d] missing actor or tenant: %+v", i, e)
		}
	}
}

func TestHandle_RechallengeSupersedesEarlierToken(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()
	text := "refund invoice invoice_ab12 $10"

	first := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	if first.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("first outcome: got %q", first.Outcome)
	}
	stale := first.Final.Payload["confirmToken"].(string)

	// Asking again without confirming replaces the pending token.
	second := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	if second.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("second outcome: got %q", second.Outcome)
	}
	fresh := second.Final.Payload["confirmToken"].(string)
	if fresh == stale {
		t.Fatal("re-challenge should mint a new token")
	}

	run := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: stale})
	if run.Outcome != flow.OutcomeConfirmationInvalid {
		t.Fatalf("stale token outcome: got %q", run.Outcome)
	}
	if len(f.executions()) != 0 {
		t.Errorf("stale token must not execute, got %v", f.executions())
	}

	run = f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: fresh})
	if run.Outcome != flow.OutcomeOK {
		t.Fatalf("fresh token outcome: got %q (final: %+v)", run.Outcome, run.Final)
	}
	if got := f.executions(); len(got) != 1 {
		t.Errorf("executions: got %v", got)
	}
}

func TestHandle_TokenBoundToExactAction(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()

	first := f.orch.Handle(context.Background(), "refund invoice invoice_ab12 $10", sctx, flow.Options{})
	token := first.Final.Payload["confirmToken"].(string)

	// Same token, different amount: refused, token untouched
	wrong := f.orch.Handle(context.Background(), "refund invoice invoice_ab12 $999", sctx, flow.Options{ConfirmToken: token})
	if wrong.Outcome != flow.OutcomeConfirmationInvalid {
		t.Fatalf("mismatched action: got %q, want confirmation_invalid", wrong.Outcome)
	}
	if len(f.executions()) != 0 {
		t.Errorf("nothing should execute on mismatch, got %v", f.executions())
	}

	// Different actor, original text: refused too
	other := sctx
	other.ActorID = "@eve:example.com"
	cross := f.orch.Handle(context.Background(), "refund invoice invoice_ab12 $10", other, flow.Options{ConfirmToken: token})
	if cross.Outcome != flow.OutcomeConfirmationInvalid {
		t.Fatalf("cross-actor replay: got %q, want confirmation_invalid", cross.Outcome)
	}

	// The mismatches did not burn the token: the original action still goes
	ok := f.orch.Handle(context.Background(), "refund invoice invoice_ab12 $10", sctx, flow.Options{ConfirmToken: token})
	if ok.Outcome != flow.OutcomeOK {
		t.Fatalf("original action after mismatches: got %q (final: %+v)", ok.Outcome, ok.Final)
	}
}

func TestHandle_ConcurrentResubmissionExecutesOnce(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()
	text := "cancel booking bk_99"

	first := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	if first.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("first outcome: got %q", first.Outcome)
	}
	token := first.Final.Payload["confirmToken"].(string)

	const workers = 16
	results := make([]flow.Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: token})
			results[i] = run.Outcome
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, outcome := range results {
		switch outcome {
		case flow.OutcomeOK:
			okCount++
		case flow.OutcomeConfirmationInvalid:
		default:
			t.Errorf("unexpected outcome %q", outcome)
		}
	}
	if okCount != 1 {
		t.Errorf("expected exactly one successful execution, got %d", okCount)
	}
	if got := f.executions(); len(got) != 1 {
		t.Errorf("tool ran %d times, want 1", len(got))
	}
}

// --- Tool failures ---

func TestHandle_DomainFailure(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()
	text := "refund invoice invoice_missing $10"

	first := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	token := first.Final.Payload["confirmToken"].(string)

	run := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: token})
	if run.Outcome != flow.OutcomeToolDomainFailure {
		t.Fatalf("outcome: got %q, want tool_domain_failure", run.Outcome)
	}
	if run.Final.OK {
		t.Error("domain failure is not a success")
	}
	if !strings.Contains(run.Final.Message, "not found") {
		t.Errorf("message should carry the domain error: %q", run.Final.Message)
	}
}

func TestHandle_InfrastructureFailure(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()
	text := "refund invoice invoice_broken $10"

	first := f.orch.Handle(context.Background(), text, sctx, flow.Options{})
	token := first.Final.Payload["confirmToken"].(string)

	run := f.orch.Handle(context.Background(), text, sctx, flow.Options{ConfirmToken: token})
	if run.Outcome != flow.OutcomeToolInfrastructureFailure {
		t.Fatalf("outcome: got %q, want tool_infrastructure_failure", run.Outcome)
	}
	if run.Final.OK {
		t.Error("infrastructure failure is not a success")
	}

	entries := f.recorder.all()
	last := entries[len(entries)-1]
	if last.Outcome != string(flow.OutcomeToolInfrastructureFailure) {
		t.Errorf("audit outcome: got %q", last.Outcome)
	}
}

// --- Hedging ---

func TestHandle_MidConfidenceHedges(t *testing.T) {
	f := newFixture(t)

	// Partial overlap with the refund phrases lands between the detection
	// threshold and the hedge threshold.
	run := f.orch.Handle(context.Background(), "refund please", actorCtx(), flow.Options{})

	if run.Outcome != flow.OutcomeConfirmationRequired {
		t.Fatalf("outcome: got %q (intent %q @ %.2f)", run.Outcome, run.Intent.Name, run.Intent.Confidence)
	}
	if !strings.HasPrefix(run.Final.Message, "I think you mean invoices.refund") {
		t.Errorf("expected hedged prompt, got %q", run.Final.Message)
	}
}

func TestHandle_HighConfidenceDoesNotHedge(t *testing.T) {
	f := newFixture(t)

	run := f.orch.Handle(context.Background(), "list bookings", actorCtx(), flow.Options{})

	if strings.HasPrefix(run.Final.Message, "I think you mean") {
		t.Errorf("high-confidence reply should not hedge: %q", run.Final.Message)
	}
}

// --- Audit completeness ---

func TestHandle_ExactlyOneAuditPerTerminalState(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()

	inputs := []struct {
		text  string
		token string
	}{
		{"list bookings", ""},
		{"gibberish nothing matches here", ""},
		{"refund invoice invoice_ab12 $10", ""},
	}
	for _, in := range inputs {
		f.orch.Handle(context.Background(), in.text, sctx, flow.Options{ConfirmToken: in.token})
	}

	entries := f.recorder.all()
	if len(entries) != len(inputs) {
		t.Fatalf("expected %d audit entries, got %d", len(inputs), len(entries))
	}
	for i, e := range entries {
		if e.ActorID != sctx.ActorID {
			t.Errorf("entry[%d] actor: got %q", i, e.ActorID)
		}
		if e.TenantID != sctx.TenantID {
			t.Errorf("entry[%d] tenant: got %q", i, e.TenantID)
		}
		if e.TraceID == "" {
			t.Errorf("entry[%d] missing trace ID", i)
		}
		if e.Outcome == "" {
			t.Errorf("entry[%d] missing outcome", i)
		}
	}
}

// --- Detect preview ---

func TestDetect_PreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	sctx := actorCtx()

	det := f.orch.Detect(context.Background(), "refund invoice invoice_ab12 $10", sctx)
	if det.Name != "invoices.refund" {
		t.Fatalf("intent: got %q", det.Name)
	}
	if len(f.executions()) != 0 {
		t.Errorf("preview must not execute, got %v", f.executions())
	}
	if len(f.recorder.all()) != 0 {
		t.Errorf("preview must not audit, got %d entries", len(f.recorder.all()))
	}
}

// --- Construction ---

func TestNew_RejectsUnroutableCatalog(t *testing.T) {
	cat := catalog.Default()
	m, err := intent.NewMatcher(cat.Patterns())
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	// Empty registry: every route is unroutable
	_, err = flow.New(m, cat, tools.NewRegistry(), confirm.NewMemoryStore(), audit.Noop{})
	if err == nil {
		t.Fatal("expected error for catalog routing to unregistered tools")
	}
}
