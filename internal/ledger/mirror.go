package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// maxPagesPerFetch caps how many mirror pages one cycle walks; the cursor
// resumes from the last consumed page on the next cycle.
const maxPagesPerFetch = 10

// ErrNotFound is returned for permanent 404 responses from the mirror.
var ErrNotFound = fmt.Errorf("mirror resource not found")

// MirrorClient reads the external ledger through its mirror/indexing REST
// API. All reads are resumable from an opaque cursor (the consensus timestamp
// of the last scanned transaction), never from wall-clock time.
type MirrorClient struct {
	logger    *slog.Logger
	baseURL   string
	client    *http.Client
	pageLimit int
}

func NewMirrorClient(logger *slog.Logger, baseURL string, timeout time.Duration, pageLimit int) *MirrorClient {
	if pageLimit <= 0 {
		pageLimit = 100
	}

	return &MirrorClient{
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		pageLimit: pageLimit,
	}
}

var _ ports.LedgerReader = (*MirrorClient)(nil)

type mirrorTokenTransfer struct {
	TokenID string `json:"token_id"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type mirrorTransaction struct {
	TransactionID      string                `json:"transaction_id"`
	ConsensusTimestamp string                `json:"consensus_timestamp"`
	MemoBase64         string                `json:"memo_base64"`
	Result             string                `json:"result"`
	TokenTransfers     []mirrorTokenTransfer `json:"token_transfers"`
}

type mirrorTransactionsPage struct {
	Transactions []mirrorTransaction `json:"transactions"`
	Links        struct {
		Next string `json:"next"`
	} `json:"links"`
}

type mirrorAccount struct {
	Account string `json:"account"`
	Balance struct {
		Balance int64 `json:"balance"`
		Tokens  []struct {
			TokenID string `json:"token_id"`
			Balance int64  `json:"balance"`
		} `json:"tokens"`
	} `json:"balance"`
}

// ListIncomingTransfers returns transfers of tokenID credited to account after
// the cursor, oldest first. The returned cursor covers every scanned
// transaction, matching or not, so already-rejected transfers are not re-read.
func (m *MirrorClient) ListIncomingTransfers(ctx context.Context, account, tokenID, cursor string) ([]entities.ObservedPayment, string, error) {
	query := url.Values{}
	query.Set("transactiontype", "cryptotransfer")
	query.Set("order", "asc")
	query.Set("limit", strconv.Itoa(m.pageLimit))
	if cursor != "" {
		query.Set("timestamp", "gt:"+cursor)
	}

	next := fmt.Sprintf("/api/v1/accounts/%s/transactions?%s", url.PathEscape(account), query.Encode())

	var payments []entities.ObservedPayment
	nextCursor := cursor

	for page := 0; page < maxPagesPerFetch && next != ""; page++ {
		var body mirrorTransactionsPage
		if err := m.getWithRetry(ctx, m.baseURL+next, &body); err != nil {
			return nil, cursor, fmt.Errorf("failed to list transfers for %s: %w", account, err)
		}

		for _, tx := range body.Transactions {
			nextCursor = tx.ConsensusTimestamp

			if tx.Result != "" && tx.Result != "SUCCESS" {
				continue
			}

			payment, ok := m.toIncomingPayment(tx, account, tokenID)
			if !ok {
				continue
			}
			payments = append(payments, payment)
		}

		next = body.Links.Next
	}

	return payments, nextCursor, nil
}

// toIncomingPayment extracts the credit leg for (account, tokenID) from a
// mirror transaction; the sender is the debit leg of the same token.
func (m *MirrorClient) toIncomingPayment(tx mirrorTransaction, account, tokenID string) (entities.ObservedPayment, bool) {
	var credit *mirrorTokenTransfer
	var sender string

	for i := range tx.TokenTransfers {
		transfer := tx.TokenTransfers[i]
		if transfer.TokenID != tokenID {
			continue
		}
		if transfer.Account == account && transfer.Amount > 0 {
			credit = &tx.TokenTransfers[i]
		}
		if transfer.Amount < 0 {
			sender = transfer.Account
		}
	}

	if credit == nil {
		return entities.ObservedPayment{}, false
	}

	memo, err := base64.StdEncoding.DecodeString(tx.MemoBase64)
	if err != nil {
		m.logger.Warn("Failed to decode transaction memo", "tx_id", tx.TransactionID, "error", err)
		memo = nil
	}

	consensusAt, err := parseConsensusTimestamp(tx.ConsensusTimestamp)
	if err != nil {
		m.logger.Warn("Unparseable consensus timestamp", "tx_id", tx.TransactionID, "value", tx.ConsensusTimestamp)
	}

	return entities.ObservedPayment{
		TransactionID:      tx.TransactionID,
		Sender:             sender,
		Receiver:           account,
		TokenID:            tokenID,
		Amount:             credit.Amount,
		Memo:               string(memo),
		ConsensusTimestamp: tx.ConsensusTimestamp,
		ConsensusAt:        consensusAt,
	}, true
}

// AccountBalance returns the treasury balance view.
func (m *MirrorClient) AccountBalance(ctx context.Context, account string) (entities.AccountBalance, error) {
	var body mirrorAccount
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s", m.baseURL, url.PathEscape(account))
	if err := m.getWithRetry(ctx, endpoint, &body); err != nil {
		return entities.AccountBalance{}, fmt.Errorf("failed to fetch account %s: %w", account, err)
	}

	balance := entities.AccountBalance{
		Account:     body.Account,
		HbarBalance: body.Balance.Balance,
	}
	for _, token := range body.Balance.Tokens {
		balance.Tokens = append(balance.Tokens, entities.TokenBalance{
			TokenID: token.TokenID,
			Balance: token.Balance,
		})
	}

	return balance, nil
}

// getWithRetry performs a GET with bounded exponential backoff. 404 is
// permanent; network errors and 5xx responses are retried.
func (m *MirrorClient) getWithRetry(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	delay := ports.MirrorRetryBaseDelay

	for attempt := 1; attempt <= ports.MirrorMaxAttempts; attempt++ {
		lastErr = m.getOnce(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		if lastErr == ErrNotFound {
			return lastErr
		}

		if attempt < ports.MirrorMaxAttempts {
			m.logger.InfoContext(ctx, "Mirror request failed, retrying",
				"attempt", attempt, "delay", delay.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= ports.MirrorRetryFactor
		}
	}

	return fmt.Errorf("mirror request failed after %d attempts: %w", ports.MirrorMaxAttempts, lastErr)
}

func (m *MirrorClient) getOnce(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create mirror request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror request error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mirror returned status %d: %s", resp.StatusCode, string(body))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode mirror response: %w", err)
	}

	return nil
}

// parseConsensusTimestamp converts the mirror "seconds.nanoseconds" format.
func parseConsensusTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty consensus timestamp")
	}

	secPart, nsecPart, _ := strings.Cut(value, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid consensus timestamp %q: %w", value, err)
	}

	var nsec int64
	if nsecPart != "" {
		// Right-pad to nanosecond precision ("123.5" means 500ms).
		padded := (nsecPart + "000000000")[:9]
		nsec, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid consensus timestamp %q: %w", value, err)
		}
	}

	return time.Unix(sec, nsec).UTC(), nil
}
