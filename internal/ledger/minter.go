package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// MintClient talks to the token-custody service, the collaborator that holds
// the ledger keys and executes mint and token-create transactions. This
// process never sees private keys.
type MintClient struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
}

func NewMintClient(logger *slog.Logger, baseURL string, timeout time.Duration) *MintClient {
	return &MintClient{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

var _ ports.TokenMinter = (*MintClient)(nil)

// MintTokens mints amount units of tokenID and returns the ledger
// transaction id. The call is safe to retry: the caller's issuance records
// decide whether a retry is due.
func (c *MintClient) MintTokens(ctx context.Context, tokenID string, amount int64) (string, error) {
	payload := struct {
		Amount int64 `json:"amount"`
	}{Amount: amount}

	var result struct {
		TransactionID string `json:"transaction_id"`
	}

	endpoint := fmt.Sprintf("%s/v1/tokens/%s/mint", c.baseURL, url.PathEscape(tokenID))
	if err := c.post(ctx, endpoint, payload, &result); err != nil {
		return "", fmt.Errorf("mint request failed for token %s: %w", tokenID, err)
	}
	if result.TransactionID == "" {
		return "", fmt.Errorf("mint response for token %s missing transaction id", tokenID)
	}

	c.logger.InfoContext(ctx, "Tokens minted", "token_id", tokenID, "amount", amount, "tx_id", result.TransactionID)

	return result.TransactionID, nil
}

// SubmitToken deploys a new fractional property token and returns its ledger id.
func (c *MintClient) SubmitToken(ctx context.Context, params entities.TokenSubmission) (string, error) {
	var result struct {
		TokenID string `json:"token_id"`
	}

	if err := c.post(ctx, c.baseURL+"/v1/tokens", params, &result); err != nil {
		return "", fmt.Errorf("token submission failed: %w", err)
	}
	if result.TokenID == "" {
		return "", fmt.Errorf("token submission response missing token id")
	}

	c.logger.InfoContext(ctx, "Token submitted", "token_id", result.TokenID, "symbol", params.Symbol)

	return result.TokenID, nil
}

func (c *MintClient) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("token service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
