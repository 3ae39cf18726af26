package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a purchase order.
type OrderStatus string

const (
	OrderAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderPaymentReceived OrderStatus = "PAYMENT_RECEIVED"
	OrderTokensMinted    OrderStatus = "TOKENS_MINTED"
	OrderCompleted       OrderStatus = "COMPLETED"
	OrderFailed          OrderStatus = "FAILED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave the state.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed || s == OrderCancelled
}

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrPropertyNotFound    = errors.New("property not found")
	ErrInsufficientSupply  = errors.New("insufficient token supply")
	ErrOrderNotCancellable = errors.New("order is not cancellable")
)

// FailureReasonTimeout is the terminal reason set when no payment arrives
// within the expiry window.
const FailureReasonTimeout = "payment timeout"

// Order is a purchase intent for fractional property tokens. It is created in
// AWAITING_PAYMENT and afterwards mutated only through guarded CAS transitions.
type Order struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	OrderNumber string    `db:"order_number" json:"order_number"`
	UserID      string    `db:"user_id"      json:"user_id"`
	PropertyID  uuid.UUID `db:"property_id"  json:"property_id"`

	// TokenID is the ledger asset minted to the buyer on completion.
	TokenID      string `db:"token_id"      json:"token_id"`
	BuyerAccount string `db:"buyer_account" json:"buyer_account"`

	Quantity  int64           `db:"quantity"   json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Total     decimal.Decimal `db:"total"      json:"total"`

	// PaymentAmount is the expected ledger transfer in base units of the
	// payment asset (USDC-style fixed decimals).
	PaymentAmount int64 `db:"payment_amount" json:"payment_amount"`

	// PaymentMemo correlates the order with an incoming ledger transfer.
	// Derived from the order id, so it is unique by construction.
	PaymentMemo string `db:"payment_memo" json:"payment_memo"`

	// ExpectedSender is set when sender verification is enabled.
	ExpectedSender string `db:"expected_sender" json:"expected_sender,omitempty"`

	Status        OrderStatus `db:"status"          json:"status"`
	MintAttempts  int         `db:"mint_attempts"   json:"mint_attempts"`
	LastMintError string      `db:"last_mint_error" json:"last_mint_error,omitempty"`
	FailureReason string      `db:"failure_reason"  json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// memoPrefix precedes the order id in the ledger memo field.
const memoPrefix = "ORDER:"

// MemoMaxBytes is the tightest memo cap among supported ledgers. Generated
// memos must always fit so the correlation key round-trips without truncation.
const MemoMaxBytes = 100

// MemoForOrder derives the payment memo for an order id. The result is
// prefix + canonical UUID (42 bytes), well inside MemoMaxBytes.
func MemoForOrder(orderID uuid.UUID) string {
	return memoPrefix + orderID.String()
}

// TransitionExtra carries the optional columns written together with a CAS
// status transition.
type TransitionExtra struct {
	FailureReason string
	LastMintError string
	CompletedAt   *time.Time
}

// Property is the minimal slice of a listing the order flow needs: the
// deployed ledger token and the remaining supply accounting.
type Property struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	TokenID     string          `db:"token_id"     json:"token_id"`
	TokenPrice  decimal.Decimal `db:"token_price"  json:"token_price"`
	TokenSupply int64           `db:"token_supply" json:"token_supply"`
	TokensSold  int64           `db:"tokens_sold"  json:"tokens_sold"`
}

// Available returns the uncommitted supply.
func (p Property) Available() int64 {
	return p.TokenSupply - p.TokensSold
}

// NewOrderNumber builds the human-readable order reference.
func NewOrderNumber(id uuid.UUID, at time.Time) string {
	return fmt.Sprintf("ORD-%d-%s", at.UnixMilli(), id.String()[:8])
}
