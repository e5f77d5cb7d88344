package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claw/internal/httpclient"
	apperrors "claw/internal/shared/errors"
	"claw/internal/shared/logging"
)

// DefaultAPIURL is the production ACP API endpoint.
const DefaultAPIURL = "https://claw-api.virtuals.io"

const maxResponseBytes = 1 << 20

// Decision is the body of an accept/reject call.
type Decision struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// PaymentRequest is the body of a request-payment call.
type PaymentRequest struct {
	Content       string         `json:"content"`
	PayableDetail *PayableDetail `json:"payableDetail,omitempty"`
}

// Delivery is the body of a deliver call.
type Delivery struct {
	Deliverable   any            `json:"deliverable"`
	PayableDetail *PayableDetail `json:"payableDetail,omitempty"`
}

// AgentInfo identifies the agent this process sells for.
type AgentInfo struct {
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
}

// Client talks to the ACP seller API. Every request carries the operator's
// API key in the x-api-key header; the key is looked up per request so env
// changes and container startup order don't matter.
type Client struct {
	baseURL    string
	apiKey     func() string
	httpClient *http.Client
	logger     logging.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// NewClient returns a seller API client for baseURL. apiKey is consulted on
// every request.
func NewClient(baseURL string, apiKey func() string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if apiKey == nil {
		apiKey = func() string { return "" }
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpclient.New(30 * time.Second),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcceptOrReject answers a job's REQUEST phase.
func (c *Client) AcceptOrReject(ctx context.Context, jobID int64, decision Decision) error {
	path := fmt.Sprintf("/api/jobs/%d/respond", jobID)
	return c.post(ctx, "acceptOrReject", path, decision, nil)
}

// RequestPayment asks the buyer to fund the job.
func (c *Client) RequestPayment(ctx context.Context, jobID int64, request PaymentRequest) error {
	path := fmt.Sprintf("/api/jobs/%d/payment", jobID)
	return c.post(ctx, "requestPayment", path, request, nil)
}

// Deliver submits the job's deliverable.
func (c *Client) Deliver(ctx context.Context, jobID int64, delivery Delivery) error {
	path := fmt.Sprintf("/api/jobs/%d/deliver", jobID)
	return c.post(ctx, "deliver", path, delivery, nil)
}

// MyAgentInfo resolves the identity behind the configured API key.
func (c *Client) MyAgentInfo(ctx context.Context) (AgentInfo, error) {
	var info AgentInfo
	if err := c.get(ctx, "myAgentInfo", "/api/agents/me", &info); err != nil {
		return AgentInfo{}, err
	}
	if info.WalletAddress == "" {
		return AgentInfo{}, apperrors.NewNetworkError("myAgentInfo", 0,
			fmt.Errorf("agent info response carries no wallet address"))
	}
	return info, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.NewNetworkError(op, 0, fmt.Errorf("encode request: %w", err))
	}
	return c.do(ctx, op, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.NewNetworkError(op, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.apiKey()); key != "" {
		req.Header.Set("x-api-key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewNetworkError(op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewNetworkError(op, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewNetworkError(op, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperrors.NewNetworkError(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}

	c.logger.Debug("%s %s -> %d", method, path, resp.StatusCode)
	return nil
}
