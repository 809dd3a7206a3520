package stores

import (
	"context"
	"time"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// LevelOf maps an event type to the level it is stored at.
func LevelOf(t engine.EventType) EventLevel {
	return EventLevel(t.Severity())
}

// Transaction is one run of the transaction engine against an image.
type Transaction struct {
	ID           string           `json:"id"`
	ImageRoot    string           `json:"image_root"`
	Status       engine.RunStatus `json:"status"`
	RebootNeeded bool             `json:"reboot_needed"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Error        *string          `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Transition records a package plan reaching a state.
type Transition struct {
	ID            string               `json:"id"`
	TransactionID string               `json:"transaction_id"`
	Seq           int                  `json:"seq"`
	Origin        *string              `json:"origin,omitempty"`
	Destination   *string              `json:"destination,omitempty"`
	Operation     engine.OperationType `json:"operation"`
	State         engine.PlanState     `json:"state"`
	ActionCount   int                  `json:"action_count"`
	Error         *string              `json:"error,omitempty"`
	RecordedAt    time.Time            `json:"recorded_at"`
}

// Event represents an append-only log event
type Event struct {
	ID            int64            `json:"id"`
	TransactionID *string          `json:"transaction_id,omitempty"`
	Type          engine.EventType `json:"type"`
	Level         EventLevel       `json:"level"`
	Message       string           `json:"message"`
	Details       *string          `json:"details,omitempty"` // JSON blob
	Timestamp     time.Time        `json:"timestamp"`
}

// Store defines the interface for the history layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transactions
	BeginTransaction(ctx context.Context, imageRoot string) (*Transaction, error)
	FinishTransaction(ctx context.Context, id string, status engine.RunStatus, rebootNeeded bool, errMsg *string) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, error)

	// Plan transitions
	RecordTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, transactionID string) ([]*Transition, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, transactionID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
