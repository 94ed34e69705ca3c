// Package orchestrator drives one user turn through its state machine:
// resolve the thread, persist the user message, run pre_call middleware,
// stream from the model across bounded tool rounds, and finalize history
// and context while emitting the typed event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatkit/internal/metrics"
	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/internal/tools"
	"github.com/haasonsaas/chatkit/pkg/models"
)

const (
	// MaxRounds caps the model round trips within one turn. Exceeding it
	// fails the turn with a ToolLoopExhausted error event.
	MaxRounds = 8

	titleMaxRunes = 50
)

var (
	// ErrToolLoopExhausted marks a turn that hit the round cap without a
	// final assistant reply.
	ErrToolLoopExhausted = errors.New("tool loop exhausted")

	// ErrUpstream marks a model adapter failure.
	ErrUpstream = errors.New("upstream model failure")
)

// Orchestrator is the message-processor plugin.
type Orchestrator struct {
	reg     *plugins.Registry
	tools   *tools.Registry
	tasks   *TaskRegistry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates the orchestrator. metrics may be nil.
func New(reg *plugins.Registry, toolReg *tools.Registry, tasks *TaskRegistry, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reg:     reg,
		tools:   toolReg,
		tasks:   tasks,
		logger:  logger,
		metrics: m,
	}
}

func (o *Orchestrator) Name() string       { return "turn-orchestrator" }
func (o *Orchestrator) Role() plugins.Role { return plugins.RoleMessageProcessor }
func (o *Orchestrator) Priority() int      { return 0 }

// Tasks returns the background-task registry so startup wiring can tie it
// into graceful shutdown.
func (o *Orchestrator) Tasks() *TaskRegistry { return o.tasks }

// Process runs one turn and returns its event stream. The channel closes
// after the terminal event; cancelling ctx aborts the stream but not
// already-launched background tasks.
func (o *Orchestrator) Process(ctx context.Context, req models.TurnRequest) (<-chan models.Event, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", store.ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is empty", store.ErrValidation)
	}

	out := make(chan models.Event, 16)
	t := &turn{
		o:       o,
		req:     req,
		id:      uuid.NewString(),
		out:     out,
		filters: o.reg.FunctionsStreamOrder(),
	}
	go func() {
		defer close(out)
		start := time.Now()
		outcome := t.run(ctx)
		o.metrics.ObserveTurn(outcome, time.Since(start).Seconds())
	}()
	return out, nil
}

// deriveTitle cuts a thread title from the first user message.
func deriveTitle(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return strings.TrimSpace(string(runes[:titleMaxRunes]))
}
