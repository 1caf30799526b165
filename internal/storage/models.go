package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Injection sources.
const (
	SourcePipeline = "pipeline"
	SourceNotifier = "notifier"
	SourceAgent    = "agent"
)

// Objective cadences.
const (
	CadenceDaily  = "daily"
	CadenceWeekly = "weekly"
)

// Turn is one message in the append-only conversation log.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Injection is a one-shot steering instruction waiting to be folded into
// the next outgoing conversational request. Consumed flips exactly once.
type Injection struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Consumed   bool      `json:"consumed"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"` // zero unless Consumed
}

// Objective is a recurring goal the companion keeps the conversation
// oriented toward.
type Objective struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	Cadence   string    `json:"cadence"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ObjectiveEvent records one piece of progress against an objective.
type ObjectiveEvent struct {
	ID          string    `json:"id"`
	ObjectiveID string    `json:"objective_id"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fact is a single item of information the extractor pulled out of the
// conversation window.
type Fact struct {
	ID            string    `json:"id"`
	Category      string    `json:"category"`
	Item          string    `json:"item"`
	SourceTurnIDs string    `json:"source_turn_ids"` // JSON array stored as text
	CreatedAt     time.Time `json:"created_at"`
}

// Delivery logs one outbound notification attempt.
type Delivery struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
