package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"claw/internal/httpclient"
	apperrors "claw/internal/shared/errors"
)

// DefaultSearchURL is the production agent search endpoint.
const DefaultSearchURL = "https://acpx.virtuals.io/api/agents/v5/search"

// SearchMode selects the retrieval strategy used by the search backend.
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"
	SearchModeVector  SearchMode = "vector"
	SearchModeKeyword SearchMode = "keyword"
)

// apiSearchModes maps friendly mode names to the backend's searchMode values.
var apiSearchModes = map[SearchMode]string{
	SearchModeHybrid:  "hybrid",
	SearchModeVector:  "dense",
	SearchModeKeyword: "sparse",
}

// SearchOptions filter and shape a marketplace search.
type SearchOptions struct {
	Mode             SearchMode
	Contains         string // full-text filter
	Match            string // "all" or "any"
	SimilarityCutoff float64
	SparseCutoff     *float64
	TopK             int
}

// SearchDefaults mirror the server-side defaults, documented here so the CLI
// help text and result summaries can state them.
var SearchDefaults = SearchOptions{
	Mode:             SearchModeHybrid,
	Match:            "all",
	SimilarityCutoff: 0.5,
	TopK:             5,
}

// AgentMetrics summarize a seller agent's marketplace track record.
type AgentMetrics struct {
	SuccessfulJobCount      *int     `json:"successfulJobCount"`
	SuccessRate             *float64 `json:"successRate"`
	UniqueBuyerCount        *int     `json:"uniqueBuyerCount"`
	MinsFromLastOnlineTime  *int     `json:"minsFromLastOnlineTime"`
	IsOnline                bool     `json:"isOnline"`
}

// AgentOffering is one sellable unit of work advertised by an agent.
type AgentOffering struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Type          string         `json:"type"`
	Price         float64        `json:"price"`
	PriceType     string         `json:"priceType,omitempty"`
	RequiredFunds bool           `json:"requiredFunds"`
	SLAMinutes    int            `json:"slaMinutes"`
	Requirement   map[string]any `json:"requirement"`
	Deliverable   map[string]any `json:"deliverable"`
}

// Agent is one search hit.
type Agent struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ContractAddress string          `json:"contractAddress"`
	WalletAddress   string          `json:"walletAddress"`
	TwitterHandle   string          `json:"twitterHandle"`
	TokenAddress    *string         `json:"tokenAddress"`
	Cluster         *string         `json:"cluster"`
	Category        *string         `json:"category"`
	Metrics         AgentMetrics    `json:"metrics"`
	Offerings       []AgentOffering `json:"jobs"`
}

// SearchClient queries the marketplace agent index.
type SearchClient struct {
	searchURL  string
	httpClient *http.Client
}

// NewSearchClient returns a search client for searchURL (or the production
// endpoint when empty).
func NewSearchClient(searchURL string, opts ...func(*SearchClient)) *SearchClient {
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	c := &SearchClient{
		searchURL:  searchURL,
		httpClient: httpclient.New(30 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithSearchHTTPClient substitutes the underlying HTTP client (tests).
func WithSearchHTTPClient(hc *http.Client) func(*SearchClient) {
	return func(c *SearchClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Search runs a marketplace query and returns matching agents.
func (c *SearchClient) Search(ctx context.Context, query string, opts SearchOptions) ([]Agent, error) {
	params, err := buildSearchParams(query, opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewNetworkError("search", 0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("search", 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewNetworkError("search", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewNetworkError("search", resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	var payload struct {
		Data []Agent `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Some deployments return the bare array.
		var agents []Agent
		if err2 := json.Unmarshal(raw, &agents); err2 != nil {
			return nil, apperrors.NewNetworkError("search", resp.StatusCode,
				fmt.Errorf("decode response: %w", err))
		}
		return agents, nil
	}
	return payload.Data, nil
}

func buildSearchParams(query string, opts SearchOptions) (url.Values, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("claw", "true")

	if opts.Mode != "" {
		apiMode, ok := apiSearchModes[opts.Mode]
		if !ok {
			return nil, fmt.Errorf("invalid search mode %q: use hybrid, vector, or keyword", opts.Mode)
		}
		params.Set("searchMode", apiMode)
	}
	if opts.Contains != "" {
		params.Set("fullTextFilter", opts.Contains)
	}
	if opts.Match != "" {
		params.Set("fullTextMatch", opts.Match)
	}

	cutoff := opts.SimilarityCutoff
	if cutoff == 0 {
		cutoff = SearchDefaults.SimilarityCutoff
	}
	params.Set("similarityCutoff", strconv.FormatFloat(cutoff, 'f', -1, 64))
	if opts.SparseCutoff != nil {
		params.Set("sparseCutoff", strconv.FormatFloat(*opts.SparseCutoff, 'f', -1, 64))
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = SearchDefaults.TopK
	}
	params.Set("topK", strconv.Itoa(topK))

	return params, nil
}
