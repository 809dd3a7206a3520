package imageplan

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/froyopkg/pkg/engine"
	"github.com/openfroyo/froyopkg/pkg/plan"
	"github.com/openfroyo/froyopkg/pkg/stores"
)

// History records the progress of transactions. stores.SQLiteStore
// implements it.
type History interface {
	BeginTransaction(ctx context.Context, imageRoot string) (*stores.Transaction, error)
	FinishTransaction(ctx context.Context, id string, status engine.RunStatus, rebootNeeded bool, errMsg *string) error
	RecordTransition(ctx context.Context, tr *stores.Transition) error
	AppendEvent(ctx context.Context, event *stores.Event) error
}

var _ History = (*stores.SQLiteStore)(nil)

// publishEvent appends an event to the history of the running transaction.
// History write failures are logged and never fail the transaction.
func (t *Transaction) publishEvent(ctx context.Context, eventType engine.EventType, message string, details map[string]interface{}) {
	if t.history == nil || t.id == "" {
		return
	}

	event := &stores.Event{
		TransactionID: &t.id,
		Type:          eventType,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err == nil {
			s := string(data)
			event.Details = &s
		}
	}

	if err := t.history.AppendEvent(ctx, event); err != nil {
		t.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to record event")
	}
}

// recordTransitions stores the state every plan ended in. failed is the
// plan whose phase failed, if any.
func (t *Transaction) recordTransitions(ctx context.Context, failed *plan.Plan, cause error) {
	if t.history == nil || t.id == "" {
		return
	}
	for _, p := range t.plans {
		tr := &stores.Transition{
			TransactionID: t.id,
			Origin:        fmriPtr(p.Origin()),
			Destination:   fmriPtr(p.Destination()),
			Operation:     p.Operation(),
			State:         p.State(),
			ActionCount:   len(p.Actions()),
		}
		if p == failed && cause != nil {
			msg := cause.Error()
			tr.Error = &msg
		}
		if err := t.history.RecordTransition(ctx, tr); err != nil {
			t.logger.Warn().Err(err).Str("plan", p.String()).Msg("Failed to record plan transition")
		}
	}
}

// finish closes the transaction record.
func (t *Transaction) finish(ctx context.Context, status engine.RunStatus, cause error) {
	if t.history == nil || t.id == "" {
		return
	}
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	if err := t.history.FinishTransaction(ctx, t.id, status, t.act.RebootNeeded(), msg); err != nil {
		t.logger.Warn().Err(err).Str("transaction_id", t.id).Msg("Failed to record transaction result")
	}
}
