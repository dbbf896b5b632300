package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"proxy-service/pkg/fetch"
	"proxy-service/pkg/models"
)

const (
	// Resource holds the proxy lists on the directory service.
	Resource = "proxy_list"

	DefaultTimeout = 30 * time.Second
)

// Config represents the configuration for a directory client
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every directory call (default 30s)
	Timeout time.Duration
	// Transport is an outline-sdk config string used to reach the directory, empty for direct
	Transport string
	// RateLimit caps directory calls per second, 0 disables it
	RateLimit float64
}

// Client asks the directory service for the proxy pool of a target. It does not cache.
type Client struct {
	config  Config
	base    *url.URL
	fetcher *fetch.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	fetcher, err := fetch.NewClient(fetch.Options{
		Transport: config.Transport,
		Headers:   []string{"Accept: application/json"},
		Timeout:   config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory transport: %w", err)
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Client{
		config:  config,
		base:    base,
		fetcher: fetcher,
		limiter: limiter,
		logger:  logger,
	}, nil
}

type poolResponse struct {
	Data *struct {
		Pool []models.ProxyRecord `json:"pool"`
	} `json:"data"`
}

// Fetch returns the pool for target. Excluded ids are sent in the blocked parameter.
func (c *Client) Fetch(ctx context.Context, target string, filters models.Filters, excluded []models.ProxyID) (*models.Pool, error) {
	apiURL := BuildURL(c.base, c.config.APIKey, target, filters, excluded)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Target: target, Err: err}
		}
	}

	c.logger.Debug("fetching proxy pool",
		"target", target,
		"excluded", len(excluded))

	result, err := c.fetcher.Get(ctx, apiURL)
	if err != nil {
		return nil, &Error{Target: target, Err: err}
	}
	if result.Response.StatusCode != http.StatusOK {
		return nil, &Error{
			Target:     target,
			StatusCode: result.Response.StatusCode,
			Err:        fmt.Errorf("API returned unexpected code %d", result.Response.StatusCode),
		}
	}

	var payload poolResponse
	if err := json.Unmarshal(result.Body, &payload); err != nil {
		return nil, &Error{Target: target, Err: fmt.Errorf("failed to decode proxy list: %w", err)}
	}
	if payload.Data == nil {
		return nil, &Error{Target: target, Err: fmt.Errorf("failed to decode proxy list: missing data")}
	}

	records := make([]models.ProxyRecord, 0, len(payload.Data.Pool))
	for _, r := range payload.Data.Pool {
		if r.URL == "" {
			c.logger.Warn("skipping proxy without url", "target", target, "proxy_id", r.ID)
			continue
		}
		records = append(records, r)
	}

	return models.NewPool(target, records), nil
}

// BuildURL composes {base}/proxy_list/{target}?api_key=...&filters...&blocked=id1|id2.
// Path joining follows URL reference resolution, so a base without a trailing slash
// has its last segment replaced.
func BuildURL(base *url.URL, apiKey, target string, filters models.Filters, excluded []models.ProxyID) string {
	u := base.ResolveReference(&url.URL{Path: Resource}).JoinPath(target)

	q := u.Query()
	q.Set("api_key", apiKey)
	for k, vs := range filters.Values() {
		q[k] = vs
	}
	if len(excluded) > 0 {
		q.Set("blocked", models.JoinIDs(excluded))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
