package entities

import (
	"time"

	"github.com/google/uuid"
)

// ObservedPayment is a normalized record of one incoming ledger transfer to
// the treasury account. The external transaction id is the natural
// idempotency key: re-observing the same transfer must be a no-op.
type ObservedPayment struct {
	TransactionID string `json:"transaction_id"`
	Sender        string `json:"sender"`
	Receiver      string `json:"receiver"`
	TokenID       string `json:"token_id"`
	Amount        int64  `json:"amount"`
	Memo          string `json:"memo"`

	// ConsensusTimestamp is the raw mirror-side ordering key
	// ("seconds.nanoseconds"); ConsensusAt is its parsed form.
	ConsensusTimestamp string    `json:"consensus_timestamp"`
	ConsensusAt        time.Time `json:"consensus_at"`
}

// Unresolved payment reasons. These rows feed the operator review queue and
// are never auto-resolved.
const (
	UnresolvedUnknownMemo      = "unknown memo"
	UnresolvedDuplicate        = "duplicate payment for settled order"
	UnresolvedAfterCancel      = "payment received after cancellation"
	UnresolvedAfterExpiry      = "payment received after order expiry"
	UnresolvedUnderpayment     = "underpayment"
	UnresolvedOverpayment      = "overpayment"
	UnresolvedAssetMismatch    = "asset mismatch"
	UnresolvedUnexpectedSender = "unexpected sender"
)

// UnresolvedPayment is an observed transfer that could not be settled against
// an order and needs manual review.
type UnresolvedPayment struct {
	ID            int64     `db:"id"             json:"id"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	Sender        string    `db:"sender"         json:"sender"`
	TokenID       string    `db:"token_id"       json:"token_id"`
	Amount        int64     `db:"amount"         json:"amount"`
	Memo          string    `db:"memo"           json:"memo"`
	Reason        string    `db:"reason"         json:"reason"`
	Details       string    `db:"details"        json:"details,omitempty"`
	ObservedAt    time.Time `db:"observed_at"    json:"observed_at"`
}

// IssuanceOutcome is the result of one mint attempt.
type IssuanceOutcome string

const (
	IssuanceSuccess IssuanceOutcome = "SUCCESS"
	IssuanceFailed  IssuanceOutcome = "FAILED"
)

// IssuanceRecord captures a mint triggered by a settled payment. At most one
// SUCCESS record may ever exist per order.
type IssuanceRecord struct {
	ID                int64           `db:"id"                  json:"id"`
	OrderID           uuid.UUID       `db:"order_id"            json:"order_id"`
	MintTransactionID string          `db:"mint_transaction_id" json:"mint_transaction_id,omitempty"`
	Amount            int64           `db:"amount"              json:"amount"`
	TargetAccount     string          `db:"target_account"      json:"target_account"`
	Outcome           IssuanceOutcome `db:"outcome"             json:"outcome"`
	Error             string          `db:"error"               json:"error,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
}

// SettlementOutcome tells the caller what Settle actually did.
type SettlementOutcome string

const (
	// SettlementCompleted: payment recorded, tokens minted, order completed.
	SettlementCompleted SettlementOutcome = "completed"
	// SettlementMintPending: payment recorded but minting failed; the order
	// stays in PAYMENT_RECEIVED and will be retried.
	SettlementMintPending SettlementOutcome = "mint_pending"
	// SettlementAlreadySettled: the payment or the transition was already
	// processed by a concurrent or earlier cycle. Benign.
	SettlementAlreadySettled SettlementOutcome = "already_settled"
)

// AccountBalance is the treasury view returned by the mirror service.
type AccountBalance struct {
	Account     string         `json:"account"`
	HbarBalance int64          `json:"hbar_balance"`
	Tokens      []TokenBalance `json:"tokens"`
}

type TokenBalance struct {
	TokenID string `json:"token_id"`
	Balance int64  `json:"balance"`
}
