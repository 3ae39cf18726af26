package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

func TestMintTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/tokens/0.0.9001/mint", r.URL.Path)

		var body struct {
			Amount int64 `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, int64(25), body.Amount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transaction_id": "0.0.12345@1700000000.000000001"}`))
	}))
	defer server.Close()

	client := NewMintClient(testLogger(), server.URL, time.Second)

	txID, err := client.MintTokens(context.Background(), "0.0.9001", 25)
	require.NoError(t, err)
	require.Equal(t, "0.0.12345@1700000000.000000001", txID)
}

func TestMintTokensRejectsEmptyTransactionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewMintClient(testLogger(), server.URL, time.Second)

	_, err := client.MintTokens(context.Background(), "0.0.9001", 25)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing transaction id")
}

func TestMintTokensSurfacesServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "TOKEN_MAX_SUPPLY_REACHED"}`, http.StatusConflict)
	}))
	defer server.Close()

	client := NewMintClient(testLogger(), server.URL, time.Second)

	_, err := client.MintTokens(context.Background(), "0.0.9001", 25)
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOKEN_MAX_SUPPLY_REACHED")
}

func TestSubmitToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tokens", r.URL.Path)

		var body entities.TokenSubmission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "QSD", body.Symbol)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token_id": "0.0.9002"}`))
	}))
	defer server.Close()

	client := NewMintClient(testLogger(), server.URL, time.Second)

	tokenID, err := client.SubmitToken(context.Background(), entities.TokenSubmission{
		Name:   "Quayside Dockside",
		Symbol: "QSD",
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.9002", tokenID)
}
