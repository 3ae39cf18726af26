// Package audit appends compliance events to a durable trail. Recording is
// best effort: an audit failure is logged and never fails the money path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"

	"github.com/quayside/tokenized-estate/backend/pkg/database"
)

// Event types written by the reconciliation pipeline.
const (
	EventOrderCreated       = "ORDER_CREATED"
	EventPaymentReceived    = "PAYMENT_RECEIVED"
	EventTokensMinted       = "TOKENS_MINTED"
	EventOrderCompleted     = "ORDER_COMPLETED"
	EventOrderFailed        = "ORDER_FAILED"
	EventOrderCancelled     = "ORDER_CANCELLED"
	EventMintRetryExhausted = "MINT_RETRY_EXHAUSTED"
)

type Recorder struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewRecorder(logger *slog.Logger, pg *database.Postgres) *Recorder {
	return &Recorder{logger: logger, db: pg.DBGetter}
}

// Record appends one event. Errors are swallowed after logging.
func (r *Recorder) Record(ctx context.Context, eventType string, orderID uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to encode audit payload", "event", eventType, "error", err)
		data = []byte("{}")
	}

	_, err = r.db(ctx).Exec(ctx,
		"INSERT INTO audit_events (event_type, order_id, payload) VALUES ($1, $2, $3)",
		eventType, orderID, data)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record audit event",
			"event", eventType, "order_id", orderID, "error", err)
	}
}
