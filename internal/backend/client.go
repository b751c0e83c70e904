// Package backend talks to the HTTP collaborator that issues broker
// credentials and persists signal history, execution outcomes, and
// account snapshots.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCredentialsNotFound means the backend has no broker credentials for
// the principal (HTTP 404). In strict mode this is terminal.
var ErrCredentialsNotFound = errors.New("backend: credentials not found")

// Cache lifetimes for credential lookups. Negative results are cached
// briefly to damp traffic on the credential endpoint.
const (
	credPositiveTTL = 60 * time.Second
	credNegativeTTL = 15 * time.Second
)

// DefaultHosts is the fixed discovery list tried in order.
var DefaultHosts = []string{
	"http://127.0.0.1:3000",
	"http://localhost:3000",
	"http://host.docker.internal:3000",
}

// Credentials are the broker login details plus optional risk limits.
type Credentials struct {
	Login        int64   `json:"login"`
	Password     string  `json:"password"`
	Server       string  `json:"server"`
	MaxDailyLoss float64 `json:"maxDailyLoss,omitempty"`
	MinEquity    float64 `json:"minEquity,omitempty"`
}

// ExecutionReport is the outcome of one execution job.
type ExecutionReport struct {
	Ticket       int64   `json:"ticket"`
	FollowerID   string  `json:"followerId"`
	MasterTicket int64   `json:"masterTicket"`
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"`
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
	OpenPrice    float64 `json:"openPrice,omitempty"`
	OpenTime     int64   `json:"openTime,omitempty"`
	ClosePrice   float64 `json:"closePrice,omitempty"`
	CloseTime    int64   `json:"closeTime,omitempty"`
	Profit       float64 `json:"profit,omitempty"`
	Swap         float64 `json:"swap,omitempty"`
	Commission   float64 `json:"commission,omitempty"`
	PnL          float64 `json:"pnl,omitempty"`
}

type credEntry struct {
	creds     Credentials
	notFound  bool
	fetchedAt time.Time
}

// Client is the backend HTTP client. The first host on the discovery
// list that answers is remembered until it fails again.
type Client struct {
	httpClient *http.Client
	hosts      []string
	secret     string
	logger     zerolog.Logger

	mu     sync.Mutex
	active string
	creds  map[string]credEntry
}

// NewClient builds a client over the host discovery list.
func NewClient(hosts []string, secret string, logger zerolog.Logger) *Client {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		hosts:      hosts,
		secret:     secret,
		logger:     logger.With().Str("component", "backend").Logger(),
		creds:      make(map[string]credEntry),
	}
}

// Credentials fetches broker credentials for a principal, serving cached
// results inside the TTL. A 404 returns ErrCredentialsNotFound.
func (c *Client) Credentials(ctx context.Context, userID string) (Credentials, error) {
	c.mu.Lock()
	if entry, ok := c.creds[userID]; ok {
		age := time.Since(entry.fetchedAt)
		if entry.notFound && age < credNegativeTTL {
			c.mu.Unlock()
			return Credentials{}, ErrCredentialsNotFound
		}
		if !entry.notFound && age < credPositiveTTL {
			c.mu.Unlock()
			return entry.creds, nil
		}
	}
	c.mu.Unlock()

	var creds Credentials
	status, err := c.doJSON(ctx, http.MethodGet, "/api/user/broker", userID, nil, &creds)
	if err != nil {
		return Credentials{}, err
	}
	if status == http.StatusNotFound {
		c.mu.Lock()
		c.creds[userID] = credEntry{notFound: true, fetchedAt: time.Now()}
		c.mu.Unlock()
		return Credentials{}, ErrCredentialsNotFound
	}
	if status != http.StatusOK {
		return Credentials{}, fmt.Errorf("backend: credentials status %d", status)
	}

	c.mu.Lock()
	c.creds[userID] = credEntry{creds: creds, fetchedAt: time.Now()}
	c.mu.Unlock()
	return creds, nil
}

// ReportSignal persists an emitted signal payload.
func (c *Client) ReportSignal(ctx context.Context, userID string, payload []byte) error {
	return c.post(ctx, "/api/webhook/signal", userID, json.RawMessage(payload))
}

// ReportExecution persists one execution outcome.
func (c *Client) ReportExecution(ctx context.Context, report ExecutionReport) error {
	return c.post(ctx, "/api/webhook/execution", report.FollowerID, report)
}

// ReportHistoryBatch backfills a page of historical deals.
func (c *Client) ReportHistoryBatch(ctx context.Context, userID string, batch any) error {
	return c.post(ctx, "/api/webhook/history-batch", userID, batch)
}

// ReportTradeResult persists closed-trade analytics.
func (c *Client) ReportTradeResult(ctx context.Context, userID string, result any) error {
	return c.post(ctx, "/api/webhook/trade-result", userID, result)
}

// ReportEquitySnapshot persists a periodic equity snapshot.
func (c *Client) ReportEquitySnapshot(ctx context.Context, userID string, equity, balance float64) error {
	return c.post(ctx, "/api/webhook/equity-snap", userID, map[string]any{
		"equity":    equity,
		"balance":   balance,
		"timestamp": time.Now().UTC().Unix(),
	})
}

func (c *Client) post(ctx context.Context, path, userID string, body any) error {
	status, err := c.doJSON(ctx, http.MethodPost, path, userID, body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("backend: %s status %d", path, status)
	}
	return nil
}

// doJSON runs one request against the active host, walking the discovery
// list when the active host is unreachable. HTTP-level statuses are the
// caller's to interpret; only transport errors rotate hosts.
func (c *Client) doJSON(ctx context.Context, method, path, userID string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
	}

	hosts := c.candidateHosts()
	var lastErr error
	for _, host := range hosts {
		req, err := http.NewRequestWithContext(ctx, method, host+path, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-user-id", userID)
		req.Header.Set("x-bridge-secret", c.secret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.clearActive(host)
			continue
		}

		c.setActive(host)
		defer resp.Body.Close()
		if out != nil && resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
	return 0, fmt.Errorf("backend: all hosts unreachable: %w", lastErr)
}

func (c *Client) candidateHosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return c.hosts
	}
	out := make([]string, 0, len(c.hosts))
	out = append(out, c.active)
	for _, h := range c.hosts {
		if h != c.active {
			out = append(out, h)
		}
	}
	return out
}

func (c *Client) setActive(host string) {
	c.mu.Lock()
	c.active = host
	c.mu.Unlock()
}

func (c *Client) clearActive(host string) {
	c.mu.Lock()
	if c.active == host {
		c.active = ""
	}
	c.mu.Unlock()
}
