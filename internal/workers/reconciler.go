package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/tokenized-estate/backend/internal/audit"
	"github.com/quayside/tokenized-estate/backend/internal/clock"
	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
	"github.com/quayside/tokenized-estate/backend/internal/matcher"
)

// OrderStore is the order-side contract the reconciler drives.
type OrderStore interface {
	LoadAwaitingPayment(ctx context.Context, createdBefore, createdAfter time.Time) ([]entities.Order, error)
	ExpireOrders(ctx context.Context, cutoff time.Time, reason string) ([]entities.Order, error)
	FindOrderByMemo(ctx context.Context, memo string) (*entities.Order, error)
	LoadMintRetryable(ctx context.Context, maxAttempts int) ([]entities.Order, error)
	ReleaseSupply(ctx context.Context, propertyID uuid.UUID, quantity int64) error
}

// CursorStore persists the mirror read position per treasury account.
type CursorStore interface {
	GetCursor(ctx context.Context, account string) (string, error)
	SaveCursor(ctx context.Context, account, cursor string) error
}

// UnresolvedStore queues payments for manual review.
type UnresolvedStore interface {
	InsertUnresolvedPayment(ctx context.Context, u entities.UnresolvedPayment) error
	HasObservedPayment(ctx context.Context, transactionID string) (bool, error)
}

// AuditRecorder is implemented by audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, eventType string, orderID uuid.UUID, payload map[string]any)
}

// Options bundle the reconciler timing and matching policy.
type Options struct {
	TreasuryAccount string
	PaymentTokenID  string

	PollInterval      time.Duration
	MinOrderAge       time.Duration
	ExpiryThreshold   time.Duration
	MintRetryInterval time.Duration
	MintMaxAttempts   int
	Policy            matcher.Policy
}

// Reconciler is the background scheduler pairing pending orders with incoming
// treasury payments. A single logical instance runs per deployment; when
// replicas overlap, correctness rests entirely on the store-level CAS and the
// observed-payment uniqueness, not on anything in this process.
type Reconciler struct {
	logger *slog.Logger
	opts   Options

	orders     OrderStore
	cursors    CursorStore
	unresolved UnresolvedStore
	ledger     ports.LedgerReader
	settler    ports.Settler
	audit      AuditRecorder
	notifier   ports.OrderNotifier
	clock      clock.Clock
}

func NewReconciler(
	logger *slog.Logger,
	opts Options,
	orders OrderStore,
	cursors CursorStore,
	unresolved UnresolvedStore,
	ledger ports.LedgerReader,
	settler ports.Settler,
	auditRec AuditRecorder,
	notifier ports.OrderNotifier,
	clk clock.Clock,
) *Reconciler {
	return &Reconciler{
		logger:     logger,
		opts:       opts,
		orders:     orders,
		cursors:    cursors,
		unresolved: unresolved,
		ledger:     ledger,
		settler:    settler,
		audit:      auditRec,
		notifier:   notifier,
		clock:      clk,
	}
}

// Start runs the polling loop until the context is cancelled. A failed cycle
// is logged and the next tick starts fresh; it is never treated as "no
// payments found".
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciliation worker",
		"treasury", r.opts.TreasuryAccount,
		"poll_interval", r.opts.PollInterval.String(),
		"expiry_threshold", r.opts.ExpiryThreshold.String())

	if err := r.RunCycle(ctx); err != nil {
		r.logger.Error("Initial reconciliation cycle failed", "error", err)
	}

	pollTicker := time.NewTicker(r.opts.PollInterval)
	defer pollTicker.Stop()

	mintTicker := time.NewTicker(r.opts.MintRetryInterval)
	defer mintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation worker stopped")
			return
		case <-pollTicker.C:
			if err := r.RunCycle(ctx); err != nil {
				r.logger.Error("Reconciliation cycle failed", "error", err)
			}
		case <-mintTicker.C:
			if err := r.RetryPendingMints(ctx); err != nil {
				r.logger.Error("Mint retry pass failed", "error", err)
			}
		}
	}
}

// RunCycle executes one reconciliation pass: expire, load, fetch, match,
// settle, and only then persist the cursor. A crash mid-cycle re-delivers the
// batch on restart; the payment uniqueness constraint absorbs the replay.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	now := r.clock.Now()
	expiryCutoff := now.Add(-r.opts.ExpiryThreshold)

	if err := r.expireOverdue(ctx, expiryCutoff); err != nil {
		return err
	}

	orders, err := r.orders.LoadAwaitingPayment(ctx, now.Add(-r.opts.MinOrderAge), expiryCutoff)
	if err != nil {
		return fmt.Errorf("failed to load awaiting orders: %w", err)
	}

	cursor, err := r.cursors.GetCursor(ctx, r.opts.TreasuryAccount)
	if err != nil {
		return err
	}

	payments, nextCursor, err := r.ledger.ListIncomingTransfers(ctx, r.opts.TreasuryAccount, r.opts.PaymentTokenID, cursor)
	if err != nil {
		return fmt.Errorf("ledger fetch failed, cycle skipped: %w", err)
	}
	if len(payments) == 0 && nextCursor == cursor {
		return nil
	}

	if len(orders) > 0 || len(payments) > 0 {
		r.logger.InfoContext(ctx, "Reconciling",
			"awaiting_orders", len(orders), "new_payments", len(payments))
	}

	matches, unresolved := matcher.Run(orders, payments, r.opts.Policy)

	for _, match := range matches {
		outcome, err := r.settler.Settle(ctx, match.Order, match.Payment, match.Excess)
		if err != nil {
			// Abort before the cursor moves so the transfer is re-delivered.
			return fmt.Errorf("settlement failed for order %s: %w", match.Order.ID, err)
		}
		r.logger.InfoContext(ctx, "Match settled",
			"order_id", match.Order.ID, "tx_id", match.Payment.TransactionID, "outcome", outcome)
	}

	holdCursor := false
	for _, u := range unresolved {
		recorded, err := r.recordUnresolved(ctx, u)
		if err != nil {
			return err
		}
		if !recorded {
			holdCursor = true
		}
	}

	if holdCursor {
		// At least one transfer arrived ahead of its order becoming eligible.
		// Keep the cursor so the batch is re-delivered; settled payments are
		// absorbed by the transaction-id uniqueness.
		r.logger.InfoContext(ctx, "Cursor held, payment observed before its order is eligible")
		return nil
	}

	if err = r.cursors.SaveCursor(ctx, r.opts.TreasuryAccount, nextCursor); err != nil {
		return err
	}

	return nil
}

// expireOverdue fails every order that outlived the expiry window without a
// payment. The update is CAS-guarded, so each order fails exactly once even
// with overlapping cycles.
func (r *Reconciler) expireOverdue(ctx context.Context, cutoff time.Time) error {
	expired, err := r.orders.ExpireOrders(ctx, cutoff, entities.FailureReasonTimeout)
	if err != nil {
		return err
	}

	for _, order := range expired {
		if err = r.orders.ReleaseSupply(ctx, order.PropertyID, order.Quantity); err != nil {
			r.logger.ErrorContext(ctx, "Failed to release supply for expired order",
				"order_id", order.ID, "error", err)
		}

		r.audit.Record(ctx, audit.EventOrderFailed, order.ID, map[string]any{
			"reason": entities.FailureReasonTimeout,
		})
		if r.notifier != nil {
			r.notifier.NotifyOrder(order.ID, entities.OrderFailed)
		}

		r.logger.InfoContext(ctx, "Order expired",
			"order_id", order.ID, "order_number", order.OrderNumber)
	}

	return nil
}

// recordUnresolved persists a review-queue entry, upgrading "unknown memo" to
// a more precise reason when the memo belongs to an order that is no longer
// awaiting payment (settled, cancelled or expired in an earlier cycle). When
// the memo's order is still awaiting payment but was not in this cycle's
// batch (created moments ago), nothing is recorded and the caller must hold
// the cursor so the transfer is re-read.
func (r *Reconciler) recordUnresolved(ctx context.Context, u matcher.Unresolved) (bool, error) {
	reason, details := u.Reason, u.Details

	if reason == entities.UnresolvedUnknownMemo {
		order, err := r.orders.FindOrderByMemo(ctx, u.Payment.Memo)
		if err != nil {
			return false, err
		}
		if order != nil {
			switch order.Status {
			case entities.OrderAwaitingPayment:
				return false, nil
			case entities.OrderCancelled:
				reason = entities.UnresolvedAfterCancel
			case entities.OrderFailed:
				reason = entities.UnresolvedAfterExpiry
			default:
				// The order already moved past awaiting payment. A held or
				// crashed cursor re-delivers the transfer that settled it;
				// only a transaction never observed before is an actual
				// second payment worth reviewing.
				consumed, err := r.unresolved.HasObservedPayment(ctx, u.Payment.TransactionID)
				if err != nil {
					return false, err
				}
				if consumed {
					return true, nil
				}
				reason = entities.UnresolvedDuplicate
			}
			details = fmt.Sprintf("order %s is %s", order.ID, order.Status)
		}
	}

	r.logger.WarnContext(ctx, "Unresolved payment queued for review",
		"tx_id", u.Payment.TransactionID, "memo", u.Payment.Memo,
		"amount", u.Payment.Amount, "reason", reason)

	return true, r.unresolved.InsertUnresolvedPayment(ctx, entities.UnresolvedPayment{
		TransactionID: u.Payment.TransactionID,
		Sender:        u.Payment.Sender,
		TokenID:       u.Payment.TokenID,
		Amount:        u.Payment.Amount,
		Memo:          u.Payment.Memo,
		Reason:        reason,
		Details:       details,
		ObservedAt:    u.Payment.ConsensusAt,
	})
}

// RetryPendingMints re-drives the mint tail for orders whose payment is
// recorded but issuance keeps failing, up to the configured bound.
func (r *Reconciler) RetryPendingMints(ctx context.Context) error {
	orders, err := r.orders.LoadMintRetryable(ctx, r.opts.MintMaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to load mint-retryable orders: %w", err)
	}

	for _, order := range orders {
		if err = r.settler.RetryMint(ctx, order); err != nil {
			r.logger.ErrorContext(ctx, "Mint retry failed", "order_id", order.ID, "error", err)
		}
	}

	return nil
}
