// Package chat is the conversational core: it handles user messages,
// folds pending instructions into the outgoing request, and turns
// background pipeline results into proactive replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/composer"
	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/pipeline"
	"github.com/kalambet/sidekick/internal/queue"
	"github.com/kalambet/sidekick/internal/storage"
)

// Store defines the storage operations the orchestrator needs.
// Implemented by storage.Store.
type Store interface {
	AppendTurn(t storage.Turn) error
	RecentTurns(limit int) ([]storage.Turn, error)
	NextUnconsumedInjection(maxAge time.Duration) (storage.Injection, error)
	MarkConsumed(id string) error
	CreateInjection(inj storage.Injection) error
}

// Generator is the conversational model call.
type Generator interface {
	Generate(ctx context.Context, model string, messages []gemini.Message) (string, error)
}

// Enqueuer hands finished turns to the background queue.
type Enqueuer interface {
	Enqueue(kind string, turns []storage.Turn) queue.Job
}

// Resetter is the inactivity countdown; every user message resets it.
type Resetter interface {
	Reset()
}

// SummarySource supplies the objectives summary for the system prompt.
type SummarySource interface {
	Summary() (string, error)
}

// Event is pushed to subscribers when the assistant speaks without being
// asked, so connected clients can render the proactive turn.
type Event struct {
	Type string       `json:"type"`
	Turn storage.Turn `json:"turn"`
}

// EventAssistantTurn is the only event type today.
const EventAssistantTurn = "assistant_turn"

// Options collects the orchestrator's dependencies.
type Options struct {
	Store       Store
	Model       Generator
	ModelName   string
	Composer    *composer.Composer
	Queue       Enqueuer
	Timer       Resetter // optional
	Objectives  SummarySource
	UserRunner  *pipeline.Runner
	TimedRunner *pipeline.Runner

	HistoryWindow int           // turns per request, default 20
	InjectionTTL  time.Duration // pending instructions older than this are skipped, default 24h
}

// Orchestrator owns the request path: every user message and every
// self-initiated reply flows through it.
type Orchestrator struct {
	opts Options

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New creates an Orchestrator. Zero HistoryWindow defaults to 20 turns,
// zero InjectionTTL to 24h.
func New(opts Options) *Orchestrator {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if opts.InjectionTTL <= 0 {
		opts.InjectionTTL = 24 * time.Hour
	}
	return &Orchestrator{opts: opts, subs: make(map[int]chan Event)}
}

// HandleMessage processes one user message and returns the assistant reply.
// The background job is enqueued only after the assistant turn is stored, so
// the pipeline always sees the exchange it is reacting to.
func (o *Orchestrator) HandleMessage(ctx context.Context, text string) (storage.Turn, error) {
	userTurn := storage.Turn{
		ID:        uuid.NewString(),
		Role:      storage.RoleUser,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.opts.Store.AppendTurn(userTurn); err != nil {
		return storage.Turn{}, fmt.Errorf("storing user turn: %w", err)
	}

	if o.opts.Timer != nil {
		o.opts.Timer.Reset()
	}

	inj, err := o.claimInstruction()
	if err != nil {
		// A stuck injection must not block the conversation.
		slog.Warn("claiming instruction failed", "error", err)
		inj = storage.Injection{}
	}

	turns, err := o.opts.Store.RecentTurns(o.opts.HistoryWindow)
	if err != nil {
		return storage.Turn{}, fmt.Errorf("loading history: %w", err)
	}

	msgs := o.opts.Composer.Compose(turns, inj.Text, o.objectivesSummary(), time.Now())
	reply, err := o.opts.Model.Generate(ctx, o.opts.ModelName, msgs)
	if err != nil {
		o.restoreInstruction(inj)
		return storage.Turn{}, fmt.Errorf("conversational call: %w", err)
	}

	assistantTurn := storage.Turn{
		ID:        uuid.NewString(),
		Role:      storage.RoleAssistant,
		Text:      reply,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.opts.Store.AppendTurn(assistantTurn); err != nil {
		return storage.Turn{}, fmt.Errorf("storing assistant turn: %w", err)
	}

	snapshot, err := o.opts.Store.RecentTurns(o.opts.HistoryWindow)
	if err != nil {
		slog.Warn("snapshot for background job failed", "error", err)
		snapshot = append(turns, assistantTurn)
	}
	o.opts.Queue.Enqueue(queue.KindUserTriggered, snapshot)

	return assistantTurn, nil
}

// FireProactive is the inactivity timer callback: it snapshots the
// conversation and queues a timed job. The decision whether to actually
// speak is the pipeline's.
func (o *Orchestrator) FireProactive() {
	turns, err := o.opts.Store.RecentTurns(o.opts.HistoryWindow)
	if err != nil {
		slog.Warn("snapshot for timed job failed", "error", err)
		return
	}
	if len(turns) == 0 {
		// Nothing to follow up on before the first conversation.
		return
	}
	o.opts.Queue.Enqueue(queue.KindTimedTriggered, turns)
}

// HandleJob dispatches a background job to the pipeline for its kind.
// Wired as the queue worker's handler.
func (o *Orchestrator) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindUserTriggered:
		st := &pipeline.State{Turns: job.Turns}
		return o.opts.UserRunner.Run(ctx, st)
	case queue.KindTimedTriggered:
		return o.runTimedJob(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// runTimedJob runs the timed pipeline and, when it produced an instruction,
// consumes it and generates a self-initiated assistant turn.
func (o *Orchestrator) runTimedJob(ctx context.Context, job queue.Job) error {
	st := &pipeline.State{Turns: job.Turns}
	if err := o.opts.TimedRunner.Run(ctx, st); err != nil {
		return err
	}
	if st.Instruction == "" {
		return nil
	}

	inj, err := o.claimInstruction()
	if err != nil {
		return fmt.Errorf("claiming instruction: %w", err)
	}
	if inj.Text == "" {
		// Consumed elsewhere between the stage and now; stay quiet.
		return nil
	}

	msgs := o.opts.Composer.ComposeProactive(job.Turns, inj.Text, o.objectivesSummary(), time.Now())
	reply, err := o.opts.Model.Generate(ctx, o.opts.ModelName, msgs)
	if err != nil {
		o.restoreInstruction(inj)
		return fmt.Errorf("proactive call: %w", err)
	}

	turn := storage.Turn{
		ID:        uuid.NewString(),
		Role:      storage.RoleAssistant,
		Text:      reply,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.opts.Store.AppendTurn(turn); err != nil {
		return fmt.Errorf("storing proactive turn: %w", err)
	}

	o.publish(Event{Type: EventAssistantTurn, Turn: turn})
	return nil
}

// claimInstruction atomically takes the oldest pending instruction, if any.
// Marking it consumed before the model call guarantees it is used at most
// once even if the call later fails; a failed call re-queues a copy via
// restoreInstruction. An empty Text in the result means nothing was pending.
func (o *Orchestrator) claimInstruction() (storage.Injection, error) {
	inj, err := o.opts.Store.NextUnconsumedInjection(o.opts.InjectionTTL)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Injection{}, nil
	}
	if err != nil {
		return storage.Injection{}, err
	}
	if err := o.opts.Store.MarkConsumed(inj.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost the race; someone else consumed it.
			return storage.Injection{}, nil
		}
		return storage.Injection{}, err
	}
	return inj, nil
}

// restoreInstruction re-queues a claimed instruction whose model call failed,
// so a transient upstream error does not swallow it. The original creation
// time is kept; a restored instruction still expires on the same schedule.
func (o *Orchestrator) restoreInstruction(inj storage.Injection) {
	if inj.Text == "" {
		return
	}
	fresh := storage.Injection{
		ID:        uuid.NewString(),
		Source:    inj.Source,
		Text:      inj.Text,
		CreatedAt: inj.CreatedAt,
	}
	if err := o.opts.Store.CreateInjection(fresh); err != nil {
		slog.Warn("restoring instruction failed", "error", err)
	}
}

func (o *Orchestrator) objectivesSummary() string {
	if o.opts.Objectives == nil {
		return ""
	}
	summary, err := o.opts.Objectives.Summary()
	if err != nil {
		slog.Warn("objectives summary unavailable", "error", err)
		return ""
	}
	return summary
}

// Subscribe registers for proactive-turn events. The returned cancel func
// must be called when the subscriber goes away. Slow subscribers drop
// events rather than block the orchestrator.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	ch := make(chan Event, 8)
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
