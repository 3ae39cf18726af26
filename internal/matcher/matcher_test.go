package matcher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

const usdcTokenID = "0.0.456858"

func awaitingOrder(amount int64) entities.Order {
	id := uuid.New()
	return entities.Order{
		ID:            id,
		PaymentAmount: amount,
		PaymentMemo:   entities.MemoForOrder(id),
		Status:        entities.OrderAwaitingPayment,
	}
}

func paymentFor(order entities.Order, amount int64, at time.Time) entities.ObservedPayment {
	return entities.ObservedPayment{
		TransactionID: uuid.NewString(),
		Sender:        "0.0.1001",
		TokenID:       usdcTokenID,
		Amount:        amount,
		Memo:          order.PaymentMemo,
		ConsensusAt:   at,
	}
}

func strictPolicy() Policy {
	return Policy{PaymentTokenID: usdcTokenID}
}

func TestRunMatchesExactPayment(t *testing.T) {
	order := awaitingOrder(500_000_000)
	payment := paymentFor(order, 500_000_000, time.Now())

	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{payment}, strictPolicy())

	require.Len(t, matches, 1)
	require.Empty(t, unresolved)
	require.Equal(t, order.ID, matches[0].Order.ID)
	require.Equal(t, payment.TransactionID, matches[0].Payment.TransactionID)
	require.Zero(t, matches[0].Excess)
}

func TestRunUnknownMemo(t *testing.T) {
	order := awaitingOrder(100)
	stray := entities.ObservedPayment{
		TransactionID: "tx-stray",
		TokenID:       usdcTokenID,
		Amount:        100,
		Memo:          "thanks for the coffee",
		ConsensusAt:   time.Now(),
	}

	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{stray}, strictPolicy())

	require.Empty(t, matches)
	require.Len(t, unresolved, 1)
	require.Equal(t, entities.UnresolvedUnknownMemo, unresolved[0].Reason)
}

func TestRunVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*entities.ObservedPayment)
		policy Policy
		reason string
	}{
		{
			name:   "underpayment",
			mutate: func(p *entities.ObservedPayment) { p.Amount = 99 },
			policy: strictPolicy(),
			reason: entities.UnresolvedUnderpayment,
		},
		{
			name:   "overpayment rejected by default",
			mutate: func(p *entities.ObservedPayment) { p.Amount = 101 },
			policy: strictPolicy(),
			reason: entities.UnresolvedOverpayment,
		},
		{
			name:   "wrong asset",
			mutate: func(p *entities.ObservedPayment) { p.TokenID = "0.0.999999" },
			policy: strictPolicy(),
			reason: entities.UnresolvedAssetMismatch,
		},
		{
			name:   "unexpected sender",
			mutate: func(p *entities.ObservedPayment) { p.Sender = "0.0.6666" },
			policy: Policy{PaymentTokenID: usdcTokenID, VerifySender: true},
			reason: entities.UnresolvedUnexpectedSender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := awaitingOrder(100)
			order.ExpectedSender = "0.0.1001"
			payment := paymentFor(order, 100, time.Now())
			tt.mutate(&payment)

			matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{payment}, tt.policy)

			require.Empty(t, matches)
			require.Len(t, unresolved, 1)
			require.Equal(t, tt.reason, unresolved[0].Reason)
		})
	}
}

func TestRunOverpaymentAcceptedByPolicy(t *testing.T) {
	order := awaitingOrder(100)
	payment := paymentFor(order, 130, time.Now())

	policy := strictPolicy()
	policy.AcceptOverpayment = true

	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{payment}, policy)

	require.Len(t, matches, 1)
	require.Empty(t, unresolved)
	require.Equal(t, int64(30), matches[0].Excess)
}

func TestRunFirstPaymentWinsByConsensusOrder(t *testing.T) {
	order := awaitingOrder(100)
	base := time.Now()

	later := paymentFor(order, 100, base.Add(10*time.Second))
	earlier := paymentFor(order, 100, base)

	// Deliver out of order; the matcher must still prefer the earlier transfer.
	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{later, earlier}, strictPolicy())

	require.Len(t, matches, 1)
	require.Equal(t, earlier.TransactionID, matches[0].Payment.TransactionID)

	require.Len(t, unresolved, 1)
	require.Equal(t, later.TransactionID, unresolved[0].Payment.TransactionID)
	require.Equal(t, entities.UnresolvedDuplicate, unresolved[0].Reason)
}

func TestRunInvalidPaymentDoesNotConsumeOrder(t *testing.T) {
	order := awaitingOrder(100)
	base := time.Now()

	short := paymentFor(order, 50, base)
	exact := paymentFor(order, 100, base.Add(time.Second))

	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{short, exact}, strictPolicy())

	require.Len(t, matches, 1)
	require.Equal(t, exact.TransactionID, matches[0].Payment.TransactionID)
	require.Len(t, unresolved, 1)
	require.Equal(t, entities.UnresolvedUnderpayment, unresolved[0].Reason)
}

func TestRunIgnoresNonAwaitingOrders(t *testing.T) {
	order := awaitingOrder(100)
	order.Status = entities.OrderCompleted
	payment := paymentFor(order, 100, time.Now())

	matches, unresolved := Run([]entities.Order{order}, []entities.ObservedPayment{payment}, strictPolicy())

	require.Empty(t, matches)
	require.Len(t, unresolved, 1)
	require.Equal(t, entities.UnresolvedUnknownMemo, unresolved[0].Reason)
}

func TestRunEveryPaymentAccountedFor(t *testing.T) {
	orders := []entities.Order{awaitingOrder(100), awaitingOrder(200), awaitingOrder(300)}
	base := time.Now()

	payments := []entities.ObservedPayment{
		paymentFor(orders[0], 100, base),
		paymentFor(orders[1], 150, base.Add(time.Second)), // underpaid
		paymentFor(orders[2], 300, base.Add(2*time.Second)),
		paymentFor(orders[2], 300, base.Add(3*time.Second)), // duplicate
		{TransactionID: "tx-x", TokenID: usdcTokenID, Amount: 5, Memo: "???", ConsensusAt: base},
	}

	matches, unresolved := Run(orders, payments, strictPolicy())

	require.Len(t, matches, 2)
	require.Len(t, unresolved, 3)
	require.Equal(t, len(payments), len(matches)+len(unresolved))
}
