package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// LedgerReader is the read side of the external ledger: a mirror/indexing
// service with eventually-consistent, cursor-resumable queries.
type LedgerReader interface {
	// ListIncomingTransfers returns transfers of tokenID credited to account
	// after the opaque cursor, oldest first, together with the next cursor.
	ListIncomingTransfers(ctx context.Context, account, tokenID, cursor string) ([]entities.ObservedPayment, string, error)
	AccountBalance(ctx context.Context, account string) (entities.AccountBalance, error)
}

// TokenMinter is the write side of the external ledger, owned by the
// token-custody collaborator. MintTokens need not be idempotent; callers
// track their own idempotency through issuance records.
type TokenMinter interface {
	MintTokens(ctx context.Context, tokenID string, amount int64) (string, error)
	SubmitToken(ctx context.Context, params entities.TokenSubmission) (string, error)
}

// OrderNotifier receives order status changes for push delivery (websocket).
type OrderNotifier interface {
	NotifyOrder(orderID uuid.UUID, status entities.OrderStatus)
}

// Settler settles one matched payment against its order. It is the sole
// serialization point per order; CAS in the store makes concurrent calls safe.
type Settler interface {
	Settle(ctx context.Context, order entities.Order, payment entities.ObservedPayment, excess int64) (entities.SettlementOutcome, error)
	RetryMint(ctx context.Context, order entities.Order) error
}
