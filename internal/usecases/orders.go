package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quayside/tokenized-estate/backend/internal/audit"
	"github.com/quayside/tokenized-estate/backend/internal/clock"
	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
	"github.com/quayside/tokenized-estate/backend/internal/matcher"
)

// OrdersStore is the slice of the order repository the service needs.
type OrdersStore interface {
	InsertOrder(ctx context.Context, order *entities.Order) error
	FindOrder(ctx context.Context, id uuid.UUID) (entities.Order, error)
	FindUserOrders(ctx context.Context, userID string) ([]entities.Order, error)
	FindProperty(ctx context.Context, id uuid.UUID) (entities.Property, error)
	CASTransition(ctx context.Context, id uuid.UUID, from, to entities.OrderStatus, extra entities.TransitionExtra) (bool, error)
	ReleaseSupply(ctx context.Context, propertyID uuid.UUID, quantity int64) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditRecorder is implemented by audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, eventType string, orderID uuid.UUID, payload map[string]any)
}

// OrderService owns order creation and the user-facing lifecycle operations.
// After creation, orders are mutated only through CAS transitions.
type OrderService struct {
	logger   *slog.Logger
	store    OrdersStore
	ledger   ports.LedgerReader
	settler  ports.Settler
	audit    AuditRecorder
	notifier ports.OrderNotifier
	clock    clock.Clock

	treasuryAccount      string
	paymentTokenID       string
	paymentTokenDecimals int32
	policy               matcher.Policy
}

type OrderServiceParams struct {
	Logger   *slog.Logger
	Store    OrdersStore
	Ledger   ports.LedgerReader
	Settler  ports.Settler
	Audit    AuditRecorder
	Notifier ports.OrderNotifier
	Clock    clock.Clock

	TreasuryAccount      string
	PaymentTokenID       string
	PaymentTokenDecimals int32
	Policy               matcher.Policy
}

func NewOrderService(p OrderServiceParams) *OrderService {
	return &OrderService{
		logger:               p.Logger,
		store:                p.Store,
		ledger:               p.Ledger,
		settler:              p.Settler,
		audit:                p.Audit,
		notifier:             p.Notifier,
		clock:                p.Clock,
		treasuryAccount:      p.TreasuryAccount,
		paymentTokenID:       p.PaymentTokenID,
		paymentTokenDecimals: p.PaymentTokenDecimals,
		policy:               p.Policy,
	}
}

type CreateOrderInput struct {
	UserID       string
	PropertyID   uuid.UUID
	Quantity     int64
	BuyerAccount string

	// ExpectedSender is recorded only when sender verification is enabled.
	ExpectedSender string
}

// PaymentInstructions tell the buyer where and how to pay.
type PaymentInstructions struct {
	TreasuryAccount string `json:"treasury_account"`
	Memo            string `json:"memo"`
	Amount          int64  `json:"amount"`
	TokenID         string `json:"token_id"`
}

// CreateOrder snapshots the property price, derives the unique payment memo
// from the fresh order id and reserves supply atomically with the insert.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (entities.Order, PaymentInstructions, error) {
	if in.Quantity <= 0 {
		return entities.Order{}, PaymentInstructions{}, fmt.Errorf("quantity must be positive, got %d", in.Quantity)
	}

	property, err := s.store.FindProperty(ctx, in.PropertyID)
	if err != nil {
		return entities.Order{}, PaymentInstructions{}, err
	}
	if property.Available() < in.Quantity {
		return entities.Order{}, PaymentInstructions{}, entities.ErrInsufficientSupply
	}

	now := s.clock.Now()
	id := uuid.New()
	total := property.TokenPrice.Mul(decimal.NewFromInt(in.Quantity))

	memo := entities.MemoForOrder(id)
	if len(memo) > entities.MemoMaxBytes {
		// Unreachable with UUID-derived memos; guards the ledger boundary.
		return entities.Order{}, PaymentInstructions{}, fmt.Errorf("derived memo exceeds %d bytes", entities.MemoMaxBytes)
	}

	order := entities.Order{
		ID:             id,
		OrderNumber:    entities.NewOrderNumber(id, now),
		UserID:         in.UserID,
		PropertyID:     property.ID,
		TokenID:        property.TokenID,
		BuyerAccount:   in.BuyerAccount,
		Quantity:       in.Quantity,
		UnitPrice:      property.TokenPrice,
		Total:          total,
		PaymentAmount:  total.Shift(s.paymentTokenDecimals).IntPart(),
		PaymentMemo:    memo,
		ExpectedSender: in.ExpectedSender,
		Status:         entities.OrderAwaitingPayment,
		CreatedAt:      now,
	}

	if err = s.store.InsertOrder(ctx, &order); err != nil {
		return entities.Order{}, PaymentInstructions{}, err
	}

	s.audit.Record(ctx, audit.EventOrderCreated, order.ID, map[string]any{
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"property_id":  order.PropertyID.String(),
		"quantity":     order.Quantity,
		"total":        order.Total.String(),
	})

	s.logger.InfoContext(ctx, "Order created",
		"order_id", order.ID, "order_number", order.OrderNumber,
		"memo", order.PaymentMemo, "amount", order.PaymentAmount)

	return order, s.instructionsFor(order), nil
}

func (s *OrderService) instructionsFor(order entities.Order) PaymentInstructions {
	return PaymentInstructions{
		TreasuryAccount: s.treasuryAccount,
		Memo:            order.PaymentMemo,
		Amount:          order.PaymentAmount,
		TokenID:         s.paymentTokenID,
	}
}

func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID) (entities.Order, error) {
	return s.store.FindOrder(ctx, id)
}

func (s *OrderService) GetUserOrders(ctx context.Context, userID string) ([]entities.Order, error) {
	return s.store.FindUserOrders(ctx, userID)
}

// CancelOrder is a user-initiated CAS AWAITING_PAYMENT -> CANCELLED. It races
// safely against the reconciliation loop: whichever transition wins is final,
// and a payment arriving afterwards lands in the unresolved queue.
func (s *OrderService) CancelOrder(ctx context.Context, id uuid.UUID) (entities.Order, error) {
	order, err := s.store.FindOrder(ctx, id)
	if err != nil {
		return entities.Order{}, err
	}

	var won bool
	err = s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		won, err = s.store.CASTransition(ctx, id, entities.OrderAwaitingPayment, entities.OrderCancelled, entities.TransitionExtra{})
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		return s.store.ReleaseSupply(ctx, order.PropertyID, order.Quantity)
	})
	if err != nil {
		return entities.Order{}, err
	}

	if !won {
		current, ferr := s.store.FindOrder(ctx, id)
		if ferr != nil {
			return entities.Order{}, ferr
		}
		if current.Status == entities.OrderCancelled {
			return current, nil
		}
		return current, entities.ErrOrderNotCancellable
	}

	s.audit.Record(ctx, audit.EventOrderCancelled, id, map[string]any{
		"order_number": order.OrderNumber,
	})
	if s.notifier != nil {
		s.notifier.NotifyOrder(id, entities.OrderCancelled)
	}

	s.logger.InfoContext(ctx, "Order cancelled", "order_id", id)

	return s.store.FindOrder(ctx, id)
}

// CheckOrderNow runs the single-order, on-demand variant of the
// reconciliation cycle: a narrow mirror read since the order was created,
// the same matcher, the same settlement path. It never advances the
// background loop's cursor.
func (s *OrderService) CheckOrderNow(ctx context.Context, id uuid.UUID) (entities.Order, error) {
	order, err := s.store.FindOrder(ctx, id)
	if err != nil {
		return entities.Order{}, err
	}
	if order.Status != entities.OrderAwaitingPayment {
		return order, nil
	}

	sinceCursor := consensusCursorFor(order.CreatedAt)
	payments, _, err := s.ledger.ListIncomingTransfers(ctx, s.treasuryAccount, s.paymentTokenID, sinceCursor)
	if err != nil {
		// The background loop will catch up; the caller just sees "pending".
		s.logger.ErrorContext(ctx, "On-demand ledger check failed", "order_id", id, "error", err)
		return order, nil
	}

	matches, _ := matcher.Run([]entities.Order{order}, payments, s.policy)
	for _, match := range matches {
		if _, err = s.settler.Settle(ctx, match.Order, match.Payment, match.Excess); err != nil {
			return entities.Order{}, err
		}
	}

	return s.store.FindOrder(ctx, id)
}

// consensusCursorFor converts a creation time to a mirror cursor so the
// on-demand check only scans transfers that can possibly match.
func consensusCursorFor(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}
