package usecases

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quayside/tokenized-estate/backend/internal/audit"
	"github.com/quayside/tokenized-estate/backend/internal/clock"
	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// errAlreadySettled aborts the settlement transaction when the payment or the
// order transition was already processed. It never escapes Settle.
var errAlreadySettled = errors.New("already settled")

// SettlementOrders is the order-side store contract the executor needs.
type SettlementOrders interface {
	CASTransition(ctx context.Context, id uuid.UUID, from, to entities.OrderStatus, extra entities.TransitionExtra) (bool, error)
	RecordMintFailure(ctx context.Context, id uuid.UUID, mintErr string) (int, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SettlementPayments is the payment-side store contract.
type SettlementPayments interface {
	InsertObservedPayment(ctx context.Context, payment entities.ObservedPayment, orderID uuid.UUID) (bool, error)
	InsertIssuanceRecord(ctx context.Context, rec entities.IssuanceRecord) error
}

// SettlementService commits a matched payment: one atomic unit recording the
// payment and advancing the order, then the mint tail. Concurrent callers
// (background loop, on-demand checks, horizontal replicas) are serialized per
// order purely by the store-level CAS and the payment uniqueness constraint.
type SettlementService struct {
	logger   *slog.Logger
	orders   SettlementOrders
	payments SettlementPayments
	minter   ports.TokenMinter
	audit    AuditRecorder
	notifier ports.OrderNotifier
	clock    clock.Clock

	maxMintAttempts int
}

func NewSettlementService(
	logger *slog.Logger,
	orders SettlementOrders,
	payments SettlementPayments,
	minter ports.TokenMinter,
	auditRec AuditRecorder,
	notifier ports.OrderNotifier,
	clk clock.Clock,
	maxMintAttempts int,
) *SettlementService {
	return &SettlementService{
		logger:          logger,
		orders:          orders,
		payments:        payments,
		minter:          minter,
		audit:           auditRec,
		notifier:        notifier,
		clock:           clk,
		maxMintAttempts: maxMintAttempts,
	}
}

var _ ports.Settler = (*SettlementService)(nil)

// Settle records the payment and advances AWAITING_PAYMENT ->
// PAYMENT_RECEIVED inside one transaction; a duplicate payment or a lost CAS
// rolls the whole unit back and reports "already settled", not an error.
// Only after the unit commits does the external mint run.
func (s *SettlementService) Settle(ctx context.Context, order entities.Order, payment entities.ObservedPayment, excess int64) (entities.SettlementOutcome, error) {
	err := s.orders.WithinTransaction(ctx, func(ctx context.Context) error {
		inserted, err := s.payments.InsertObservedPayment(ctx, payment, order.ID)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadySettled
		}

		won, err := s.orders.CASTransition(ctx, order.ID,
			entities.OrderAwaitingPayment, entities.OrderPaymentReceived, entities.TransitionExtra{})
		if err != nil {
			return err
		}
		if !won {
			return errAlreadySettled
		}

		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		s.logger.InfoContext(ctx, "Payment already settled",
			"order_id", order.ID, "tx_id", payment.TransactionID)
		return entities.SettlementAlreadySettled, nil
	}
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"tx_id":  payment.TransactionID,
		"sender": payment.Sender,
		"amount": payment.Amount,
	}
	if excess > 0 {
		payload["overpayment_excess"] = excess
	}
	s.audit.Record(ctx, audit.EventPaymentReceived, order.ID, payload)
	s.notify(order.ID, entities.OrderPaymentReceived)

	s.logger.InfoContext(ctx, "Payment settled",
		"order_id", order.ID, "tx_id", payment.TransactionID, "amount", payment.Amount)

	return s.mintAndComplete(ctx, order)
}

// RetryMint re-runs the mint tail for an order stuck in PAYMENT_RECEIVED.
// The recorded payment is never reversed; after the attempt bound the order
// is flagged for manual intervention instead.
func (s *SettlementService) RetryMint(ctx context.Context, order entities.Order) error {
	if order.Status != entities.OrderPaymentReceived {
		return nil
	}

	s.logger.InfoContext(ctx, "Retrying mint",
		"order_id", order.ID, "attempts", order.MintAttempts)

	_, err := s.mintAndComplete(ctx, order)
	return err
}

func (s *SettlementService) mintAndComplete(ctx context.Context, order entities.Order) (entities.SettlementOutcome, error) {
	mintTxID, mintErr := s.minter.MintTokens(ctx, order.TokenID, order.Quantity)
	now := s.clock.Now()

	if mintErr != nil {
		return s.recordMintFailure(ctx, order, mintErr)
	}

	won := false
	err := s.orders.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		won, err = s.orders.CASTransition(ctx, order.ID,
			entities.OrderPaymentReceived, entities.OrderTokensMinted, entities.TransitionExtra{})
		if err != nil {
			return err
		}
		if !won {
			// Another settle path minted concurrently; the unique SUCCESS
			// issuance index would reject a second record anyway.
			return nil
		}

		if err = s.payments.InsertIssuanceRecord(ctx, entities.IssuanceRecord{
			OrderID:           order.ID,
			MintTransactionID: mintTxID,
			Amount:            order.Quantity,
			TargetAccount:     order.BuyerAccount,
			Outcome:           entities.IssuanceSuccess,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		_, err = s.orders.CASTransition(ctx, order.ID,
			entities.OrderTokensMinted, entities.OrderCompleted, entities.TransitionExtra{CompletedAt: &now})
		return err
	})
	if err != nil {
		return "", err
	}
	if !won {
		return entities.SettlementAlreadySettled, nil
	}

	s.audit.Record(ctx, audit.EventTokensMinted, order.ID, map[string]any{
		"mint_tx_id": mintTxID,
		"amount":     order.Quantity,
		"target":     order.BuyerAccount,
	})
	s.audit.Record(ctx, audit.EventOrderCompleted, order.ID, map[string]any{
		"order_number": order.OrderNumber,
	})
	s.notify(order.ID, entities.OrderCompleted)

	s.logger.InfoContext(ctx, "Order completed",
		"order_id", order.ID, "mint_tx_id", mintTxID, "quantity", order.Quantity)

	return entities.SettlementCompleted, nil
}

func (s *SettlementService) recordMintFailure(ctx context.Context, order entities.Order, mintErr error) (entities.SettlementOutcome, error) {
	s.logger.ErrorContext(ctx, "Mint failed, payment kept",
		"order_id", order.ID, "error", mintErr)

	attempts, err := s.orders.RecordMintFailure(ctx, order.ID, mintErr.Error())
	if err != nil {
		return "", err
	}

	if ierr := s.payments.InsertIssuanceRecord(ctx, entities.IssuanceRecord{
		OrderID:       order.ID,
		Amount:        order.Quantity,
		TargetAccount: order.BuyerAccount,
		Outcome:       entities.IssuanceFailed,
		Error:         mintErr.Error(),
		CreatedAt:     s.clock.Now(),
	}); ierr != nil {
		s.logger.ErrorContext(ctx, "Failed to record failed issuance", "order_id", order.ID, "error", ierr)
	}

	if attempts >= s.maxMintAttempts {
		s.audit.Record(ctx, audit.EventMintRetryExhausted, order.ID, map[string]any{
			"attempts":   attempts,
			"last_error": mintErr.Error(),
		})
		s.logger.ErrorContext(ctx, "Mint retries exhausted, manual intervention required",
			"order_id", order.ID, "attempts", attempts)
	}

	return entities.SettlementMintPending, nil
}

func (s *SettlementService) notify(orderID uuid.UUID, status entities.OrderStatus) {
	if s.notifier != nil {
		s.notifier.NotifyOrder(orderID, status)
	}
}
