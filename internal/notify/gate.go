// Package notify decides whether the user should get a push notification
// after a stretch of silence, and delivers it at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/extract"
	"github.com/kalambet/sidekick/internal/gemini"
	"github.com/kalambet/sidekick/internal/storage"
	"github.com/kalambet/sidekick/internal/timectx"
)

// GateStore defines the storage operations the gate needs.
// Implemented by storage.Store.
type GateStore interface {
	LastUserTurnTime() (time.Time, error)
	RecentTurns(limit int) ([]storage.Turn, error)
	CreateInjection(inj storage.Injection) error
	RecordDelivery(d storage.Delivery) error
}

// Generator is the conversational model call used for the decision.
type Generator interface {
	Generate(ctx context.Context, model string, messages []gemini.Message) (string, error)
}

// Deliverer pushes the notification to the user's device.
type Deliverer interface {
	Deliver(ctx context.Context, title, body string) error
}

// SummarySource supplies the objectives summary for the decision prompt.
type SummarySource interface {
	Summary() (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const notificationTitle = "sidekick"

// Gate evaluates the notification policy on a fixed cadence. The inactivity
// threshold is checked before any model call is made.
type Gate struct {
	store      GateStore
	model      Generator
	modelName  string
	deliverer  Deliverer
	objectives SummarySource
	clock      Clock

	threshold     time.Duration
	checkInterval time.Duration
	window        int
}

// NewGate wires a Gate. Zero threshold defaults to 6h, zero checkInterval to
// 30m, zero window to 20 turns.
func NewGate(store GateStore, model Generator, modelName string, deliverer Deliverer, objectives SummarySource, threshold, checkInterval time.Duration, window int) *Gate {
	if threshold <= 0 {
		threshold = 6 * time.Hour
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Minute
	}
	if window <= 0 {
		window = 20
	}
	return &Gate{
		store:         store,
		model:         model,
		modelName:     modelName,
		deliverer:     deliverer,
		objectives:    objectives,
		clock:         realClock{},
		threshold:     threshold,
		checkInterval: checkInterval,
		window:        window,
	}
}

// Run evaluates the gate every checkInterval until ctx is cancelled.
// Evaluation errors are logged; the cycle counts as a "no".
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, err := g.Evaluate(ctx)
			if err != nil {
				slog.Warn("notification gate evaluation failed", "error", err)
				continue
			}
			if delivered {
				slog.Info("notification delivered")
			}
		}
	}
}

// Evaluate runs one gate cycle. It returns true when a notification was
// handed to the deliverer (regardless of delivery outcome, which is logged
// and recorded but never retried).
func (g *Gate) Evaluate(ctx context.Context) (bool, error) {
	lastUser, err := g.store.LastUserTurnTime()
	if errors.Is(err, storage.ErrNotFound) {
		// Nobody to notify before the first conversation.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading last user turn: %w", err)
	}

	// Hard threshold: the model is consulted only once silence exceeds it.
	inactive := g.clock.Now().Sub(lastUser)
	if inactive <= g.threshold {
		return false, nil
	}

	turns, err := g.store.RecentTurns(g.window)
	if err != nil {
		return false, fmt.Errorf("loading history: %w", err)
	}

	summary, err := g.objectives.Summary()
	if err != nil {
		slog.Warn("notification gate: objectives summary unavailable", "error", err)
		summary = ""
	}

	raw, err := g.model.Generate(ctx, g.modelName, g.buildPrompt(turns, summary, inactive))
	if err != nil {
		return false, fmt.Errorf("decision call: %w", err)
	}

	yes, message := ParseDecision(raw)
	if !yes || message == "" {
		return false, nil
	}

	// One injection so the next conversational turn picks the thread up,
	// one delivery attempt to the device.
	inj := storage.Injection{
		ID:        uuid.NewString(),
		Source:    storage.SourceNotifier,
		Text:      message,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateInjection(inj); err != nil {
		return false, fmt.Errorf("storing injection: %w", err)
	}

	d := storage.Delivery{
		ID:        uuid.NewString(),
		Title:     notificationTitle,
		Body:      message,
		OK:        true,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.deliverer.Deliver(ctx, notificationTitle, message); err != nil {
		slog.Warn("notification delivery failed", "error", err)
		d.OK = false
		d.Error = err.Error()
	}
	if err := g.store.RecordDelivery(d); err != nil {
		slog.Warn("recording delivery failed", "error", err)
	}

	return true, nil
}

const decisionSystemPrompt = `You decide whether a companion AI should send its user a push notification right now. You are given the current time, how long the user has been silent, the recent conversation, and the user's objectives.

Send a notification only when there is a concrete, timely reason: a commitment coming due, an objective with no progress today, or an open thread worth a nudge. Err on the side of silence; notifications are interruptions.

Answer in EXACTLY one of these two forms:
Yes: <the message to send, phrased as a short friendly notification>
No: <one-line reason>`

func (g *Gate) buildPrompt(turns []storage.Turn, objectivesSummary string, inactive time.Duration) []gemini.Message {
	now := g.clock.Now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s The user has been silent for %s.\n\n", timectx.Describe(now), inactive.Round(time.Minute))
	sb.WriteString("[Recent conversation]\n")
	sb.WriteString(extract.Transcript(turns))
	if objectivesSummary != "" {
		sb.WriteString("\n[User objectives]\n")
		sb.WriteString(objectivesSummary)
	}

	return []gemini.Message{
		{Role: gemini.RoleSystem, Content: decisionSystemPrompt},
		{Role: gemini.RoleUser, Content: sb.String()},
	}
}

// ParseDecision interprets the decision model's reply. Anything that does
// not start with "Yes:" counts as a no.
func ParseDecision(raw string) (yes bool, message string) {
	s := strings.TrimSpace(raw)
	if len(s) >= 4 && strings.EqualFold(s[:4], "yes:") {
		return true, strings.TrimSpace(s[4:])
	}
	return false, ""
}
