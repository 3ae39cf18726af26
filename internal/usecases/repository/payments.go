package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
	"github.com/quayside/tokenized-estate/backend/pkg/database"
)

// PaymentsRepository stores observed ledger transfers, the unresolved review
// queue, and issuance records.
type PaymentsRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewPaymentsRepository(logger *slog.Logger, pg *database.Postgres) *PaymentsRepository {
	return &PaymentsRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

// InsertObservedPayment records a transfer keyed by its external transaction
// id. Returns false when the transaction was already recorded; re-observing
// the same ledger transaction is a no-op, never a duplicate credit.
func (r *PaymentsRepository) InsertObservedPayment(ctx context.Context, payment entities.ObservedPayment, orderID uuid.UUID) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO observed_payments
			(transaction_id, sender, receiver, token_id, amount, memo, consensus_timestamp, consensus_at, order_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		payment.TransactionID, payment.Sender, payment.Receiver, payment.TokenID,
		payment.Amount, payment.Memo, payment.ConsensusTimestamp, payment.ConsensusAt, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to insert observed payment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "Payment already recorded", "tx_id", payment.TransactionID)
		return false, nil
	}

	return true, nil
}

// HasObservedPayment reports whether a transaction id was already consumed by
// a settlement. Distinguishes a re-delivered transfer from a genuine second
// payment against the same order.
func (r *PaymentsRepository) HasObservedPayment(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM observed_payments WHERE transaction_id = $1)`,
		transactionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check observed payment: %w", err)
	}

	return exists, nil
}

// InsertUnresolvedPayment queues a transfer for manual review. Deduplicated on
// (transaction id, reason) so re-delivered transfers do not flood the queue.
func (r *PaymentsRepository) InsertUnresolvedPayment(ctx context.Context, u entities.UnresolvedPayment) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO unresolved_payments (transaction_id, sender, token_id, amount, memo, reason, details, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (transaction_id, reason) DO NOTHING`,
		u.TransactionID, u.Sender, u.TokenID, u.Amount, u.Memo, u.Reason, u.Details, u.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to insert unresolved payment: %w", err)
	}

	return nil
}

// UnresolvedFilter narrows the review queue listing.
type UnresolvedFilter struct {
	Reason string
	Memo   string
	Since  time.Time
	Limit  uint64
}

func (r *PaymentsRepository) ListUnresolvedPayments(ctx context.Context, filter UnresolvedFilter) ([]entities.UnresolvedPayment, error) {
	builder := psql.Select("id", "transaction_id", "sender", "token_id", "amount", "memo", "reason", "details", "observed_at").
		From("unresolved_payments").
		OrderBy("observed_at DESC")

	if filter.Reason != "" {
		builder = builder.Where(sq.Eq{"reason": filter.Reason})
	}
	if filter.Memo != "" {
		builder = builder.Where(sq.Eq{"memo": filter.Memo})
	}
	if !filter.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"observed_at": filter.Since})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build unresolved query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	payments, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.UnresolvedPayment])
	if err != nil {
		r.logger.Error("failed to collect unresolved payments rows", "error", err)
		return nil, err
	}

	return payments, nil
}

// InsertIssuanceRecord stores one mint attempt outcome. The partial unique
// index on (order_id) WHERE outcome = 'SUCCESS' makes a second successful
// issuance per order impossible at the store level.
func (r *PaymentsRepository) InsertIssuanceRecord(ctx context.Context, rec entities.IssuanceRecord) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO issuance_records (order_id, mint_transaction_id, amount, target_account, outcome, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.OrderID, rec.MintTransactionID, rec.Amount, rec.TargetAccount, rec.Outcome, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert issuance record: %w", err)
	}

	return nil
}

func (r *PaymentsRepository) FindIssuanceRecords(ctx context.Context, orderID uuid.UUID) ([]entities.IssuanceRecord, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, order_id, mint_transaction_id, amount, target_account, outcome, error, created_at
		   FROM issuance_records WHERE order_id = $1 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, err
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.IssuanceRecord])
	if err != nil {
		r.logger.Error("failed to collect issuance rows", "error", err)
		return nil, err
	}

	return records, nil
}
