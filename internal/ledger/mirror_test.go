package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testTreasury = "0.0.12345"
	testToken    = "0.0.456858"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func memoB64(memo string) string {
	return base64.StdEncoding.EncodeToString([]byte(memo))
}

func transferTx(txID, ts, memo string, amount int64, sender string) map[string]any {
	return map[string]any{
		"transaction_id":      txID,
		"consensus_timestamp": ts,
		"memo_base64":         memoB64(memo),
		"result":              "SUCCESS",
		"token_transfers": []map[string]any{
			{"token_id": testToken, "account": testTreasury, "amount": amount},
			{"token_id": testToken, "account": sender, "amount": -amount},
		},
	}
}

func servePage(t *testing.T, w http.ResponseWriter, txs []map[string]any, next string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"transactions": txs,
		"links":        map[string]any{"next": next},
	})
	require.NoError(t, err)
}

func TestListIncomingTransfersExtractsCreditLeg(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/accounts/"+testTreasury+"/transactions", r.URL.Path)
		require.Equal(t, "cryptotransfer", r.URL.Query().Get("transactiontype"))
		require.Equal(t, "asc", r.URL.Query().Get("order"))
		require.Empty(t, r.URL.Query().Get("timestamp"))

		servePage(t, w, []map[string]any{
			transferTx("tx-1", "1700000000.000000001", "ORDER:abc", 500, "0.0.777"),
		}, "")
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	payments, cursor, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "")
	require.NoError(t, err)
	require.Len(t, payments, 1)

	payment := payments[0]
	require.Equal(t, "tx-1", payment.TransactionID)
	require.Equal(t, "0.0.777", payment.Sender)
	require.Equal(t, testTreasury, payment.Receiver)
	require.Equal(t, int64(500), payment.Amount)
	require.Equal(t, "ORDER:abc", payment.Memo)
	require.Equal(t, "1700000000.000000001", cursor)
	require.Equal(t, time.Unix(1700000000, 1).UTC(), payment.ConsensusAt)
}

func TestListIncomingTransfersPassesCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gt:1699.5", r.URL.Query().Get("timestamp"))
		servePage(t, w, nil, "")
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	payments, cursor, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "1699.5")
	require.NoError(t, err)
	require.Empty(t, payments)
	// No scanned transactions means the cursor must not move.
	require.Equal(t, "1699.5", cursor)
}

func TestListIncomingTransfersSkipsIrrelevantTransactions(t *testing.T) {
	failed := transferTx("tx-failed", "1700000000.1", "ORDER:a", 100, "0.0.777")
	failed["result"] = "INSUFFICIENT_PAYER_BALANCE"

	otherToken := transferTx("tx-other-token", "1700000000.2", "ORDER:b", 100, "0.0.777")
	otherToken["token_transfers"] = []map[string]any{
		{"token_id": "0.0.111", "account": testTreasury, "amount": 100},
		{"token_id": "0.0.111", "account": "0.0.777", "amount": -100},
	}

	outgoing := transferTx("tx-outgoing", "1700000000.3", "refund", 100, testTreasury)
	outgoing["token_transfers"] = []map[string]any{
		{"token_id": testToken, "account": testTreasury, "amount": -100},
		{"token_id": testToken, "account": "0.0.777", "amount": 100},
	}

	good := transferTx("tx-good", "1700000000.4", "ORDER:c", 100, "0.0.777")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		servePage(t, w, []map[string]any{failed, otherToken, outgoing, good}, "")
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	payments, cursor, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, "tx-good", payments[0].TransactionID)
	// The cursor still covers skipped transactions so they are not re-read.
	require.Equal(t, "1700000000.4", cursor)
}

func TestListIncomingTransfersWalksPages(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			servePage(t, w, []map[string]any{
				transferTx("tx-1", "100.1", "ORDER:a", 10, "0.0.777"),
			}, "/api/v1/accounts/"+testTreasury+"/transactions?timestamp=gt:100.1")
		default:
			servePage(t, w, []map[string]any{
				transferTx("tx-2", "100.2", "ORDER:b", 20, "0.0.777"),
			}, "")
		}
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 1)

	payments, cursor, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, "100.2", cursor)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetWithRetryRecoversFromServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		servePage(t, w, []map[string]any{
			transferTx("tx-1", "100.1", "ORDER:a", 10, "0.0.777"),
		}, "")
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	payments, _, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, int32(3), calls.Load())
}

func TestGetWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	_, cursor, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "55.5")
	require.Error(t, err)
	require.Equal(t, "55.5", cursor)
	require.Equal(t, int32(3), calls.Load())
}

func TestGetWithRetryDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	_, _, err := client.ListIncomingTransfers(context.Background(), testTreasury, testToken, "")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(1), calls.Load())
}

func TestAccountBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/accounts/"+testTreasury, r.URL.Path)
		fmt.Fprintf(w, `{
			"account": %q,
			"balance": {
				"balance": 1000000,
				"tokens": [{"token_id": %q, "balance": 42}]
			}
		}`, testTreasury, testToken)
	}))
	defer server.Close()

	client := NewMirrorClient(testLogger(), server.URL, time.Second, 25)

	balance, err := client.AccountBalance(context.Background(), testTreasury)
	require.NoError(t, err)
	require.Equal(t, testTreasury, balance.Account)
	require.Equal(t, int64(1000000), balance.HbarBalance)
	require.Len(t, balance.Tokens, 1)
	require.Equal(t, int64(42), balance.Tokens[0].Balance)
}

func TestParseConsensusTimestamp(t *testing.T) {
	at, err := parseConsensusTimestamp("1700000000.5")
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000000, 500000000).UTC(), at)

	_, err = parseConsensusTimestamp("")
	require.Error(t, err)

	_, err = parseConsensusTimestamp("not-a-timestamp")
	require.Error(t, err)
}
