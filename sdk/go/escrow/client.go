package escrow

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	escrowcore "OpenMCP-Escrow/internal/escrow"
	"OpenMCP-Escrow/internal/submission"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Re-exported wire types so callers only import this package.
type (
	Envelope     = submission.Envelope
	Submission   = submission.Submission
	Kind         = submission.Kind
	AgentDetails = escrowcore.Details
	Event        = escrowcore.Event
)

// Account is the balance view of an address.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// EventQuery narrows the event log.
type EventQuery struct {
	AgentID  string
	AfterSeq uint64
	Limit    int
	Types    []string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrow api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the escrow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient instantiates a client for the escrow API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit posts a signed envelope. Resubmitting the same envelope returns the
// existing submission.
func (c *Client) Submit(ctx context.Context, env *Envelope) (Submission, error) {
	var sub Submission
	if err := c.post(ctx, "/api/v1/transactions", env, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// SignAndSubmit encodes payload, signs it with key and submits it.
func (c *Client) SignAndSubmit(ctx context.Context, kind Kind, payload any, nonce uint64, key *ecdsa.PrivateKey) (Submission, error) {
	env, err := submission.NewEnvelope(kind, payload, nonce, key)
	if err != nil {
		return Submission{}, err
	}
	return c.Submit(ctx, env)
}

// GetSubmission fetches a submission by identifier.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var sub Submission
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(id), nil, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// WaitForSubmission polls until the submission reaches a final status or ctx
// is done.
func (c *Client) WaitForSubmission(ctx context.Context, id string, interval time.Duration) (Submission, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sub, err := c.GetSubmission(ctx, id)
		if err != nil {
			return Submission{}, err
		}
		if sub.Finished() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Agents lists registered agent IDs in registration order.
func (c *Client) Agents(ctx context.Context) ([]string, error) {
	var resp struct {
		AgentIDs []string `json:"agent_ids"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.AgentIDs, nil
}

// Agent fetches the details of one agent.
func (c *Client) Agent(ctx context.Context, agentID string) (AgentDetails, error) {
	var details AgentDetails
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), nil, &details); err != nil {
		return AgentDetails{}, err
	}
	return details, nil
}

// Account returns the balance held by addr.
func (c *Client) Account(ctx context.Context, addr common.Address) (Account, error) {
	var account Account
	if err := c.get(ctx, "/api/v1/accounts/"+addr.Hex(), nil, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Mint credits addr on servers started with minting enabled.
func (c *Client) Mint(ctx context.Context, addr common.Address, amount uint64) (Account, error) {
	var account Account
	body := struct {
		Amount uint64 `json:"amount"`
	}{Amount: amount}
	if err := c.post(ctx, "/api/v1/accounts/"+addr.Hex()+"/mint", body, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Events returns committed events matching q.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	values := url.Values{}
	if q.AgentID != "" {
		values.Set("agent_id", q.AgentID)
	}
	if q.AfterSeq > 0 {
		values.Set("after", strconv.FormatUint(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(q.Types) > 0 {
		values.Set("type", strings.Join(q.Types, ","))
	}
	var events []Event
	if err := c.get(ctx, "/api/v1/events", values, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
