package repository

import (
	"context"
	"errors"
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

const orderColumns = `id, order_number, user_id, property_id, token_id, buyer_account,
	quantity, unit_price, total, payment_amount, payment_memo, expected_sender,
	status, mint_attempts, last_mint_error, failure_reason, created_at, completed_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type OrdersRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewOrdersRepository(logger *slog.Logger, pg *database.Postgres) *OrdersRepository {
	return &OrdersRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

// InsertOrder reserves token supply and creates the order in one transaction.
// The reservation is a conditional UPDATE, so two concurrent orders can never
// oversell a property.
func (r *OrdersRepository) InsertOrder(ctx context.Context, order *entities.Order) error {
	return r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		tag, err := r.db(ctx).Exec(ctx,
			`UPDATE properties SET tokens_sold = tokens_sold + $1
			  WHERE id = $2 AND token_supply - tokens_sold >= $1`,
			order.Quantity, order.PropertyID)
		if err != nil {
			return fmt.Errorf("failed to reserve supply: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return entities.ErrInsufficientSupply
		}

		_, err = r.db(ctx).Exec(ctx,
			`INSERT INTO orders (id, order_number, user_id, property_id, token_id, buyer_account,
				quantity, unit_price, total, payment_amount, payment_memo, expected_sender, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			order.ID, order.OrderNumber, order.UserID, order.PropertyID, order.TokenID, order.BuyerAccount,
			order.Quantity, order.UnitPrice, order.Total, order.PaymentAmount, order.PaymentMemo,
			order.ExpectedSender, order.Status, order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		return nil
	})
}

func (r *OrdersRepository) FindOrder(ctx context.Context, id uuid.UUID) (entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return entities.Order{}, err
	}

	order, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Order])
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Order{}, entities.ErrOrderNotFound
	}
	if err != nil {
		return entities.Order{}, err
	}

	return order, nil
}

// FindOrderByMemo returns nil when no order carries the memo.
func (r *OrdersRepository) FindOrderByMemo(ctx context.Context, memo string) (*entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE payment_memo = $1", memo)
	if err != nil {
		return nil, err
	}

	order, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Order])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *OrdersRepository) FindUserOrders(ctx context.Context, userID string) ([]entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		r.logger.Error("failed to collect orders rows", "error", err)
		return nil, err
	}

	return orders, nil
}

func (r *OrdersRepository) FindProperty(ctx context.Context, id uuid.UUID) (entities.Property, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT id, token_id, token_price, token_supply, tokens_sold FROM properties WHERE id = $1", id)
	if err != nil {
		return entities.Property{}, err
	}

	property, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Property])
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Property{}, entities.ErrPropertyNotFound
	}
	if err != nil {
		return entities.Property{}, err
	}

	return property, nil
}

// LoadAwaitingPayment returns orders still waiting for payment, created before
// createdBefore (not racing order creation) and after createdAfter (inside the
// expiry window).
func (r *OrdersRepository) LoadAwaitingPayment(ctx context.Context, createdBefore, createdAfter time.Time) ([]entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT "+orderColumns+` FROM orders
		  WHERE status = $1 AND created_at <= $2 AND created_at > $3
		  ORDER BY created_at`,
		entities.OrderAwaitingPayment, createdBefore, createdAfter)
	if err != nil {
		return nil, err
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		r.logger.Error("failed to collect awaiting orders rows", "error", err)
		return nil, err
	}

	return orders, nil
}

// ExpireOrders transitions every AWAITING_PAYMENT order created at or before
// cutoff to FAILED, exactly once: the status guard in the WHERE clause makes
// the update a CAS.
func (r *OrdersRepository) ExpireOrders(ctx context.Context, cutoff time.Time, reason string) ([]entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		`UPDATE orders SET status = $1, failure_reason = $2
		  WHERE status = $3 AND created_at <= $4
		  RETURNING `+orderColumns,
		entities.OrderFailed, reason, entities.OrderAwaitingPayment, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire orders: %w", err)
	}

	expired, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		r.logger.Error("failed to collect expired orders rows", "error", err)
		return nil, err
	}

	return expired, nil
}

// LoadMintRetryable returns orders whose payment is recorded but minting has
// not succeeded yet, below the attempt bound.
func (r *OrdersRepository) LoadMintRetryable(ctx context.Context, maxAttempts int) ([]entities.Order, error) {
	rows, err := r.db(ctx).Query(ctx,
		"SELECT "+orderColumns+` FROM orders
		  WHERE status = $1 AND mint_attempts > 0 AND mint_attempts < $2
		  ORDER BY created_at`,
		entities.OrderPaymentReceived, maxAttempts)
	if err != nil {
		return nil, err
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		r.logger.Error("failed to collect retryable orders rows", "error", err)
		return nil, err
	}

	return orders, nil
}

// CASTransition moves an order from one status to another only if it is still
// in the expected status. A false return is a benign race, not an error.
func (r *OrdersRepository) CASTransition(ctx context.Context, id uuid.UUID, from, to entities.OrderStatus, extra entities.TransitionExtra) (bool, error) {
	builder := psql.Update("orders").
		Set("status", to).
		Where(sq.Eq{"id": id, "status": from})

	if extra.FailureReason != "" {
		builder = builder.Set("failure_reason", extra.FailureReason)
	}
	if extra.LastMintError != "" {
		builder = builder.Set("last_mint_error", extra.LastMintError)
	}
	if extra.CompletedAt != nil {
		builder = builder.Set("completed_at", *extra.CompletedAt)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build transition query: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "Order transition lost the race",
			"order_id", id, "from", from, "to", to)
		return false, nil
	}

	return true, nil
}

// RecordMintFailure increments the retry counter and stores the error; the
// order stays in PAYMENT_RECEIVED. Returns the new attempt count.
func (r *OrdersRepository) RecordMintFailure(ctx context.Context, id uuid.UUID, mintErr string) (int, error) {
	var attempts int
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE orders SET mint_attempts = mint_attempts + 1, last_mint_error = $2
		  WHERE id = $1 RETURNING mint_attempts`,
		id, mintErr).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record mint failure for order %s: %w", id, err)
	}

	return attempts, nil
}

// ReleaseSupply returns reserved tokens to the property when an order is
// cancelled or expires.
func (r *OrdersRepository) ReleaseSupply(ctx context.Context, propertyID uuid.UUID, quantity int64) error {
	_, err := r.db(ctx).Exec(ctx,
		"UPDATE properties SET tokens_sold = tokens_sold - $1 WHERE id = $2",
		quantity, propertyID)
	if err != nil {
		return fmt.Errorf("failed to release supply: %w", err)
	}

	return nil
}

// WithinTransaction exposes the transactor boundary to services composing
// several repository calls atomically.
func (r *OrdersRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.transactor.WithinTransaction(ctx, fn)
}
