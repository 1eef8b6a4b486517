// Package noblelcd implements the registration.BalanceQuerier and
// registration.Broadcaster collaborators against Noble's REST LCD,
// spec.md §4.6/§6. Registration status checking and transaction building
// are delegated elsewhere per spec.md's Non-goals (wallet signing and
// transaction construction are external collaborators) and have no
// concrete implementation here.
package noblelcd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"os"

	"github.com/iskay-labs/usdc-flow-tracker/internal/rpcerr"
)

const uusdcDenom = "uusdc"

// Client is a minimal REST client for a single Noble LCD endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient constructs a Client pointed at a Noble LCD base URL
// (e.g. "https://noble-lcd.example.com").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     log.New(os.Stderr, "[noblelcd] ", log.LstdFlags),
	}
}

type balanceResponse struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

// UusdcBalance queries GET /cosmos/bank/v1beta1/balances/{address}/by_denom?denom=uusdc.
func (c *Client) UusdcBalance(ctx context.Context, address string) (*big.Int, error) {
	endpoint := fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s",
		c.baseURL, url.PathEscape(address), uusdcDenom)

	var out balanceResponse
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, nil, func(ctx context.Context) error {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("noblelcd: balance query for %s: %w", address, err)
	}
	if out.Balance.Amount == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(out.Balance.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("noblelcd: unparsable balance amount %q", out.Balance.Amount)
	}
	return amount, nil
}

type broadcastRequest struct {
	TxBytes string `json:"tx_bytes"`
	Mode    string `json:"mode"`
}

type broadcastResponse struct {
	TxResponse struct {
		Code   uint32 `json:"code"`
		TxHash string `json:"txhash"`
		RawLog string `json:"raw_log"`
	} `json:"tx_response"`
}

// Broadcast POSTs /cosmos/tx/v1beta1/txs with BROADCAST_MODE_SYNC and
// returns the tx_response fields verbatim, per spec.md §4.6/§6. A
// transport-level failure is returned as err; a rejected broadcast comes
// back as a non-zero code with no error, left to the caller to classify.
func (c *Client) Broadcast(ctx context.Context, signedTx []byte) (txHash string, code uint32, rawLog string, err error) {
	payload, err := json.Marshal(broadcastRequest{
		TxBytes: string(signedTx),
		Mode:    "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return "", 0, "", fmt.Errorf("noblelcd: marshal broadcast request: %w", err)
	}

	endpoint := c.baseURL + "/cosmos/tx/v1beta1/txs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, "", fmt.Errorf("noblelcd: build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("noblelcd: broadcast request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, "", fmt.Errorf("noblelcd: read broadcast response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", 0, "", fmt.Errorf("noblelcd: broadcast returned status %d: %s", resp.StatusCode, string(body))
	}

	var out broadcastResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, "", fmt.Errorf("noblelcd: unmarshal broadcast response: %w", err)
	}
	return out.TxResponse.TxHash, out.TxResponse.Code, out.TxResponse.RawLog, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
