// Package app assembles the assistant: store, tool registry, catalog,
// matcher, confirmation store, audit recorders, orchestrator, and the Matrix
// frontend that feeds operator messages into it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"maunium.net/go/mautrix/event"

	"github.com/solari-hq/spine/internal/assistant/audit"
	"github.com/solari-hq/spine/internal/assistant/catalog"
	"github.com/solari-hq/spine/internal/assistant/confirm"
	"github.com/solari-hq/spine/internal/assistant/flow"
	"github.com/solari-hq/spine/internal/assistant/intent"
	"github.com/solari-hq/spine/internal/assistant/matrix"
	"github.com/solari-hq/spine/internal/assistant/session"
	"github.com/solari-hq/spine/internal/assistant/store"
	"github.com/solari-hq/spine/internal/assistant/tools"
	"github.com/solari-hq/spine/internal/assistant/tools/builtin"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string
	Matrix       matrix.Config
	// TenantID scopes every request from this deployment.  Single-tenant per
	// process; multi-tenant setups run one process per tenant.
	TenantID string
	// CatalogPath is an optional YAML intent catalog.  Empty uses the
	// built-in catalog.
	CatalogPath string
	// AuditRoomID is an optional Matrix room ID where the assistant posts
	// summaries of handled requests.  Empty disables room notifications.
	AuditRoomID string
	// AllowedSenders is an optional allowlist of Matrix user IDs permitted
	// to talk to the assistant.  Empty allows any room member.
	AllowedSenders []string
	// IntentThreshold overrides the minimum detection confidence when > 0.
	IntentThreshold float64
}

// App is the assembled assistant application.
type App struct {
	config *Config
	store  *store.Store
	matrix *matrix.Client
	orch   *flow.Orchestrator

	// pending remembers the last challenged message text per actor so the
	// "confirm <token>" affordance can resubmit it.
	mu      sync.Mutex
	pending map[string]string
}

// New wires up the application.
func New(config *Config) (*App, error) {
	if config.TenantID == "" {
		return nil, fmt.Errorf("app: tenant ID must not be empty")
	}

	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the client persists the sync token across restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to register built-in tools: %w", err)
	}

	cat := catalog.Default()
	if config.CatalogPath != "" {
		data, err := os.ReadFile(config.CatalogPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		cat, err = catalog.Parse(data)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		slog.Info("loaded intent catalog", "path", config.CatalogPath)
	}

	var matcherOpts []intent.Option
	if config.IntentThreshold > 0 {
		matcherOpts = append(matcherOpts, intent.WithThreshold(config.IntentThreshold))
	}
	matcher, err := intent.NewMatcher(cat.Patterns(), matcherOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build intent matcher: %w", err)
	}

	confirms := confirm.NewSQLStore(st.DB())

	recorders := audit.Multi{audit.NewStoreRecorder(st)}
	if config.AuditRoomID != "" {
		recorders = append(recorders, audit.NewRoomNotifier(matrixClient, config.AuditRoomID))
		slog.Info("audit room notifier ready", "room", config.AuditRoomID)
	}

	orch, err := flow.New(matcher, cat, registry, confirms, recorders)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	return &App{
		config:  config,
		store:   st,
		matrix:  matrixClient,
		orch:    orch,
		pending: make(map[string]string),
	}, nil
}

// Orchestrator exposes the orchestrator for embedding callers (CLI, tests).
func (a *App) Orchestrator() *flow.Orchestrator {
	return a.orch
}

// Run starts the Matrix sync loop and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	for _, roomID := range a.config.Matrix.ServiceRooms {
		a.matrix.SendNotice(roomID, "Spine assistant started. Tell me what you need; sensitive actions will ask for confirmation.")
	}

	slog.Info("assistant is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the application.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage feeds one Matrix message through the orchestrator and sends
// the terminal reply back to the room.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	sender := evt.Sender.String()
	if len(a.config.AllowedSenders) > 0 && !contains(a.config.AllowedSenders, sender) {
		// Silently ignore messages from users not on the allowlist
		return
	}

	text := strings.TrimSpace(msgContent.Body)
	sctx := session.Context{
		ActorID:  sender,
		TenantID: a.config.TenantID,
		Channel:  session.ChannelChat,
	}

	var run *flow.RunResult
	if token, ok := parseConfirm(text); ok {
		pendingText, found := a.takePending(sender)
		if !found {
			a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(),
				"I have no pending action for you to confirm.")
			return
		}
		run = a.orch.Handle(ctx, pendingText, sctx, flow.Options{ConfirmToken: token})
	} else {
		run = a.orch.Handle(ctx, text, sctx, flow.Options{})
	}

	if run.Outcome == flow.OutcomeConfirmationRequired {
		a.setPending(sender, text)
	}

	if run.Final.Message != "" {
		if err := a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), run.Final.Message); err != nil {
			slog.Error("failed to send reply", "room", evt.RoomID.String(), "err", err)
		}
	}
}

// parseConfirm matches the "confirm <token>" affordance.
func parseConfirm(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 2 && strings.EqualFold(fields[0], "confirm") && strings.HasPrefix(fields[1], "cf_") {
		return fields[1], true
	}
	return "", false
}

func (a *App) setPending(actorID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[actorID] = text
}

func (a *App) takePending(actorID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text, ok := a.pending[actorID]
	delete(a.pending, actorID)
	return text, ok
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
