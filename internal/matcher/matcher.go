// Package matcher pairs observed ledger transfers with orders awaiting
// payment. It is a pure function over its inputs so it can be tested without
// a store or a ledger.
package matcher

import (
	"fmt"
	"sort"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// Policy controls the ambiguous corners of matching. The defaults are the
// strict ones: exact amount equality and no sender verification.
type Policy struct {
	// PaymentTokenID is the only asset accepted as payment; transfers in any
	// other asset are unresolved, never matched.
	PaymentTokenID string

	AcceptOverpayment bool
	VerifySender      bool
}

// Match is a payment paired with the order it settles. Excess is non-zero
// only when the policy accepts overpayments.
type Match struct {
	Order   entities.Order
	Payment entities.ObservedPayment
	Excess  int64
}

// Unresolved is a payment that could not be matched, with the reason it must
// be surfaced for manual review.
type Unresolved struct {
	Payment entities.ObservedPayment
	Reason  string
	Details string
}

// Run matches payments to orders by exact memo. Payments are considered in
// consensus-timestamp order; the first valid payment per order wins and any
// later payment for the same memo is unresolved as a duplicate. Nothing is
// silently dropped: every input payment lands in exactly one output list.
func Run(orders []entities.Order, payments []entities.ObservedPayment, policy Policy) ([]Match, []Unresolved) {
	byMemo := make(map[string]entities.Order, len(orders))
	for _, order := range orders {
		if order.Status != entities.OrderAwaitingPayment {
			continue
		}
		byMemo[order.PaymentMemo] = order
	}

	sorted := make([]entities.ObservedPayment, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ConsensusAt.Before(sorted[j].ConsensusAt)
	})

	matched := make(map[string]bool, len(sorted))
	var matches []Match
	var unresolved []Unresolved

	for _, payment := range sorted {
		order, ok := byMemo[payment.Memo]
		if !ok {
			unresolved = append(unresolved, Unresolved{
				Payment: payment,
				Reason:  entities.UnresolvedUnknownMemo,
			})
			continue
		}

		if matched[payment.Memo] {
			unresolved = append(unresolved, Unresolved{
				Payment: payment,
				Reason:  entities.UnresolvedDuplicate,
				Details: fmt.Sprintf("order %s already matched in this batch", order.ID),
			})
			continue
		}

		if verdict, details := classify(order, payment, policy); verdict != "" {
			unresolved = append(unresolved, Unresolved{
				Payment: payment,
				Reason:  verdict,
				Details: details,
			})
			continue
		}

		matched[payment.Memo] = true
		matches = append(matches, Match{
			Order:   order,
			Payment: payment,
			Excess:  payment.Amount - order.PaymentAmount,
		})
	}

	return matches, unresolved
}

// classify returns a non-empty unresolved reason when the payment does not
// validly settle the order.
func classify(order entities.Order, payment entities.ObservedPayment, policy Policy) (string, string) {
	if policy.PaymentTokenID != "" && payment.TokenID != policy.PaymentTokenID {
		return entities.UnresolvedAssetMismatch,
			fmt.Sprintf("expected asset %s, got %s", policy.PaymentTokenID, payment.TokenID)
	}

	if policy.VerifySender && order.ExpectedSender != "" && payment.Sender != order.ExpectedSender {
		return entities.UnresolvedUnexpectedSender,
			fmt.Sprintf("expected sender %s, got %s", order.ExpectedSender, payment.Sender)
	}

	switch {
	case payment.Amount < order.PaymentAmount:
		return entities.UnresolvedUnderpayment,
			fmt.Sprintf("expected %d, got %d", order.PaymentAmount, payment.Amount)
	case payment.Amount > order.PaymentAmount && !policy.AcceptOverpayment:
		return entities.UnresolvedOverpayment,
			fmt.Sprintf("expected %d, got %d", order.PaymentAmount, payment.Amount)
	}

	return "", ""
}
