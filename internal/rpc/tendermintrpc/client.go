// Package tendermintrpc is the abortable RPC adapter the Noble and Namada
// pollers use to talk to a CometBFT RPC endpoint: tx_search, block_results,
// and status. It decodes into the real cometbft result/event types so the
// rest of the tracker consumes the same shapes the chain itself emits.
package tendermintrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	abci "github.com/cometbft/cometbft/abci/types"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"

	"github.com/iskay-labs/usdc-flow-tracker/internal/rpcerr"
)

// Client is a minimal JSON-RPC client for a single CometBFT RPC endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient constructs a Client pointed at a CometBFT RPC base URL
// (e.g. "https://noble-rpc.example.com").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     log.New(os.Stderr, "[tendermintrpc] ", log.LstdFlags),
	}
}

type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// TxSearch issues GET /tx_search?query=<encoded> with no pagination
// parameters, per spec.md §6, and retries transient failures with backoff.
func (c *Client) TxSearch(ctx context.Context, logicalQuery string) (*coretypes.ResultTxSearch, error) {
	endpoint := c.baseURL + "/tx_search?query=" + EncodeQuery(logicalQuery)

	var out coretypes.ResultTxSearch
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, httpStatusFromErr, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, status, err := c.doGET(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return decodeRPCResult(body, status, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockResults issues the JSON-RPC block_results call for a given height.
func (c *Client) BlockResults(ctx context.Context, height int64) (*coretypes.ResultBlockResults, error) {
	endpoint := fmt.Sprintf("%s/block_results?height=%s", c.baseURL, url.QueryEscape(strconv.FormatInt(height, 10)))

	var out coretypes.ResultBlockResults
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, httpStatusFromErr, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, status, err := c.doGET(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return decodeRPCResult(body, status, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("tendermintrpc: block_results(%d): %w", height, err)
	}
	return &out, nil
}

// Status issues the JSON-RPC status call, primarily used to learn the
// latest indexed block height.
func (c *Client) Status(ctx context.Context) (*coretypes.ResultStatus, error) {
	endpoint := c.baseURL + "/status"

	var out coretypes.ResultStatus
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, httpStatusFromErr, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, status, err := c.doGET(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return decodeRPCResult(body, status, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("tendermintrpc: status: %w", err)
	}
	return &out, nil
}

// BlockEvents is a deliberately local decode target for the block_results
// events the pollers scan, rather than the upstream coretypes shape: Noble
// (newer CometBFT) and Namada (older fork) report the same kind of event
// under different JSON keys — finalize_block_events vs begin/end_block_events
// — per spec.md §4.3/§4.4, so both are decoded from the one response and the
// caller picks whichever is populated.
type BlockEvents struct {
	Height              int64        `json:"height,string"`
	FinalizeBlockEvents []abci.Event `json:"finalize_block_events"`
	BeginBlockEvents    []abci.Event `json:"begin_block_events"`
	EndBlockEvents      []abci.Event `json:"end_block_events"`
}

// BlockResultsEvents fetches block_results at height and decodes just the
// event lists the pollers need.
func (c *Client) BlockResultsEvents(ctx context.Context, height int64) (*BlockEvents, error) {
	endpoint := fmt.Sprintf("%s/block_results?height=%s", c.baseURL, url.QueryEscape(strconv.FormatInt(height, 10)))

	var out BlockEvents
	err := rpcerr.RetryWithBackoff(ctx, rpcerr.DefaultBackoff, httpStatusFromErr, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, status, err := c.doGET(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return decodeRPCResult(body, status, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("tendermintrpc: block_results events(%d): %w", height, err)
	}
	return &out, nil
}

// LatestHeight is a convenience wrapper over Status.
func (c *Client) LatestHeight(ctx context.Context) (int64, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.SyncInfo.LatestBlockHeight, nil
}

func (c *Client) doGET(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("tendermintrpc: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tendermintrpc: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("tendermintrpc: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func decodeRPCResult(body []byte, status int, out any) error {
	if status >= 400 {
		return httpStatusError{status: status, body: string(body)}
	}
	var env jsonRPCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("tendermintrpc: decode envelope: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("tendermintrpc: rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("tendermintrpc: decode result: %w", err)
	}
	return nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.status, e.body)
}

func httpStatusFromErr(err error) int {
	var hse httpStatusError
	if se, ok := err.(httpStatusError); ok {
		hse = se
		return hse.status
	}
	return 0
}

// FindEvent returns the first event of the given type among events, or nil.
func FindEvent(events []abci.Event, eventType string) *abci.Event {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

// AttributeValue returns the value of attribute key within event, and
// whether it was present.
func AttributeValue(event *abci.Event, key string) (string, bool) {
	if event == nil {
		return "", false
	}
	for _, attr := range event.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// FindEvents returns every event of the given type among events.
func FindEvents(events []abci.Event, eventType string) []abci.Event {
	var out []abci.Event
	for i := range events {
		if events[i].Type == eventType {
			out = append(out, events[i])
		}
	}
	return out
}

// FindEventByAttr returns the first event of eventType whose attribute key
// equals want, or nil.
func FindEventByAttr(events []abci.Event, eventType, key, want string) *abci.Event {
	for i := range events {
		if events[i].Type != eventType {
			continue
		}
		if v, ok := AttributeValue(&events[i], key); ok && v == want {
			return &events[i]
		}
	}
	return nil
}
