package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultBridgeAddr is the local terminal bridge endpoint.
const DefaultBridgeAddr = "http://127.0.0.1:8787"

// Bridge talks to the local terminal bridge process over HTTP. The
// bridge wraps the vendor SDK and carries its statefulness: one
// authenticated account per physical terminal.
type Bridge struct {
	addr   string
	client *http.Client
}

// NewBridge builds a bridge client; empty addr uses the default.
func NewBridge(addr string) *Bridge {
	if addr == "" {
		addr = DefaultBridgeAddr
	}
	return &Bridge{
		addr: addr,
		// Order sends and logins can block on the broker for a while.
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *Bridge) call(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge: marshal %s: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("bridge: %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("bridge: %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bridge: decode %s: %w", path, err)
		}
	}
	return nil
}

// Initialize attaches the bridge to the terminal at path.
func (b *Bridge) Initialize(ctx context.Context, path string) error {
	return b.call(ctx, "/initialize", map[string]string{"path": path}, nil)
}

// Shutdown detaches the bridge from the terminal.
func (b *Bridge) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.call(ctx, "/shutdown", nil, nil)
}

// Connected reports whether the bridge holds a live terminal handle.
func (b *Bridge) Connected(ctx context.Context) bool {
	var out struct {
		Connected bool `json:"connected"`
	}
	if err := b.call(ctx, "/connected", nil, &out); err != nil {
		return false
	}
	return out.Connected
}

// Login switches the authenticated account.
func (b *Bridge) Login(ctx context.Context, login int64, password, server string) error {
	return b.call(ctx, "/login", map[string]any{
		"login":    login,
		"password": password,
		"server":   server,
	}, nil)
}

// AccountInfo reads the authenticated account.
func (b *Bridge) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	err := b.call(ctx, "/account_info", nil, &out)
	return out, err
}

// Positions lists the account's open positions.
func (b *Bridge) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := b.call(ctx, "/positions", nil, &out)
	return out, err
}

// HistoryDeals lists deals in the window.
func (b *Bridge) HistoryDeals(ctx context.Context, from, to time.Time) ([]Deal, error) {
	var out []Deal
	err := b.call(ctx, "/history_deals", map[string]int64{
		"from": from.Unix(),
		"to":   to.Unix(),
	}, &out)
	return out, err
}

// SymbolInfo reads the broker's constraints for a symbol.
func (b *Bridge) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var out SymbolInfo
	err := b.call(ctx, "/symbol_info", map[string]string{"symbol": symbol}, &out)
	return out, err
}

// SymbolSelect adds the symbol to the terminal's market watch.
func (b *Bridge) SymbolSelect(ctx context.Context, symbol string) bool {
	var out struct {
		Selected bool `json:"selected"`
	}
	if err := b.call(ctx, "/symbol_select", map[string]string{"symbol": symbol}, &out); err != nil {
		return false
	}
	return out.Selected
}

// Symbols lists broker symbols matching the wildcard pattern.
func (b *Bridge) Symbols(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := b.call(ctx, "/symbols", map[string]string{"pattern": pattern}, &out)
	return out, err
}

// Tick reads the current quote.
func (b *Bridge) Tick(ctx context.Context, symbol string) (Tick, error) {
	var out Tick
	err := b.call(ctx, "/tick", map[string]string{"symbol": symbol}, &out)
	return out, err
}

// OrderSend submits a trade request.
func (b *Bridge) OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var out OrderResult
	err := b.call(ctx, "/order_send", req, &out)
	return out, err
}

// OrderCalcMargin asks the broker for the margin a trade would need.
func (b *Bridge) OrderCalcMargin(ctx context.Context, typ OrderType, symbol string, volume, price float64) (float64, error) {
	var out struct {
		Margin float64 `json:"margin"`
	}
	err := b.call(ctx, "/order_calc_margin", map[string]any{
		"type":   typ,
		"symbol": symbol,
		"volume": volume,
		"price":  price,
	}, &out)
	return out.Margin, err
}

var _ Terminal = (*Bridge)(nil)
