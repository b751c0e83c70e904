package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Terminal used by tests and by --dry-run tooling.
// It models the parts of the SDK the engine depends on: one authenticated
// account at a time, per-account position tables and deal history, and
// ticket rotation on partial close when enabled.
type Fake struct {
	mu sync.Mutex

	path      string
	connected bool
	login     int64

	accounts  map[int64]*AccountInfo
	passwords map[int64]string
	positions map[int64][]Position
	deals     map[int64][]Deal
	symbols   map[string]SymbolInfo
	ticks     map[string]Tick

	nextTicket int64
	nextDeal   int64

	// RotateOnPartial makes a partial close re-ticket the remaining
	// position, mimicking brokers that rotate instead of netting.
	RotateOnPartial bool

	// failRetcodes are consumed one per OrderSend to force rejections.
	failRetcodes []int
}

var (
	errNotConnected   = errors.New("terminal: not connected")
	errUnknownAccount = errors.New("terminal: unknown account")
	errBadPassword    = errors.New("terminal: invalid password")
	errNoLogin        = errors.New("terminal: no authenticated account")
)

// NewFake returns an empty fake terminal.
func NewFake() *Fake {
	return &Fake{
		accounts:   make(map[int64]*AccountInfo),
		passwords:  make(map[int64]string),
		positions:  make(map[int64][]Position),
		deals:      make(map[int64][]Deal),
		symbols:    make(map[string]SymbolInfo),
		ticks:      make(map[string]Tick),
		nextTicket: 100000,
		nextDeal:   500000,
	}
}

// AddAccount registers an account the fake will accept logins for.
func (f *Fake) AddAccount(info AccountInfo, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := info
	f.accounts[info.Login] = &cp
	f.passwords[info.Login] = password
}

// AddSymbol registers a tradable symbol with its constraints and quote.
func (f *Fake) AddSymbol(info SymbolInfo, tick Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[info.Name] = info
	f.ticks[info.Name] = tick
}

// SeedPosition places an open position on an account.
func (f *Fake) SeedPosition(login int64, pos Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos.Ticket == 0 {
		pos.Ticket = f.allocTicket()
	}
	f.positions[login] = append(f.positions[login], pos)
}

// SeedDeal appends a historical deal to an account.
func (f *Fake) SeedDeal(login int64, deal Deal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if deal.Ticket == 0 {
		deal.Ticket = f.allocDeal()
	}
	f.deals[login] = append(f.deals[login], deal)
}

// RemovePosition deletes a position without recording a deal, simulating
// a close the engine never observed live.
func (f *Fake) RemovePosition(login, ticket int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.positions[login]
	for i, p := range list {
		if p.Ticket == ticket {
			f.positions[login] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// FailNextOrder forces the next OrderSend to return the given retcode.
func (f *Fake) FailNextOrder(retcode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRetcodes = append(f.failRetcodes, retcode)
}

// CurrentLogin reports the authenticated account, 0 when none.
func (f *Fake) CurrentLogin() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.login
}

// PositionsOf returns a copy of an account's position table regardless of
// the authenticated account. Test helper only.
func (f *Fake) PositionsOf(login int64) []Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Position, len(f.positions[login]))
	copy(out, f.positions[login])
	return out
}

func (f *Fake) allocTicket() int64 {
	f.nextTicket++
	return f.nextTicket
}

func (f *Fake) allocDeal() int64 {
	f.nextDeal++
	return f.nextDeal
}

func (f *Fake) Initialize(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	f.connected = true
	return nil
}

func (f *Fake) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.login = 0
}

func (f *Fake) Connected(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Login(_ context.Context, login int64, password, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errNotConnected
	}
	if _, ok := f.accounts[login]; !ok {
		return fmt.Errorf("%w: %d", errUnknownAccount, login)
	}
	if want := f.passwords[login]; want != "" && want != password {
		return errBadPassword
	}
	f.login = login
	return nil
}

func (f *Fake) AccountInfo(context.Context) (AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.login == 0 {
		return AccountInfo{}, errNoLogin
	}
	return *f.accounts[f.login], nil
}

func (f *Fake) Positions(context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.login == 0 {
		return nil, errNoLogin
	}
	out := make([]Position, len(f.positions[f.login]))
	copy(out, f.positions[f.login])
	return out, nil
}

func (f *Fake) HistoryDeals(_ context.Context, from, to time.Time) ([]Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.login == 0 {
		return nil, errNoLogin
	}
	var out []Deal
	for _, d := range f.deals[f.login] {
		if d.Time.Before(from) || d.Time.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *Fake) SymbolInfo(_ context.Context, symbol string) (SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.symbols[symbol]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("terminal: symbol %q not found", symbol)
	}
	return info, nil
}

func (f *Fake) SymbolSelect(_ context.Context, symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.symbols[symbol]
	return ok
}

func (f *Fake) Symbols(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.Trim(pattern, "*")
	var out []string
	for name := range f.symbols {
		if needle == "" || strings.Contains(strings.ToUpper(name), strings.ToUpper(needle)) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *Fake) Tick(_ context.Context, symbol string) (Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tick, ok := f.ticks[symbol]
	if !ok {
		return Tick{}, fmt.Errorf("terminal: no tick for %q", symbol)
	}
	return tick, nil
}

func (f *Fake) OrderCalcMargin(_ context.Context, _ OrderType, symbol string, volume, price float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("terminal: symbol %q not found", symbol)
	}
	contract := info.ContractSize
	if contract == 0 {
		contract = 100000
	}
	// 1:100 leverage.
	return volume * contract * price / 100, nil
}

func (f *Fake) OrderSend(_ context.Context, req OrderRequest) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.login == 0 {
		return OrderResult{}, errNoLogin
	}
	if len(f.failRetcodes) > 0 {
		rc := f.failRetcodes[0]
		f.failRetcodes = f.failRetcodes[1:]
		return OrderResult{Retcode: rc, Comment: "rejected"}, nil
	}

	switch req.Action {
	case ActionSLTP:
		return f.applySLTP(req)
	case ActionDeal:
		if req.Position != 0 {
			return f.closeDeal(req)
		}
		return f.openDeal(req)
	default:
		return OrderResult{}, fmt.Errorf("terminal: unsupported action %d", req.Action)
	}
}

func (f *Fake) applySLTP(req OrderRequest) (OrderResult, error) {
	list := f.positions[f.login]
	for i := range list {
		if list[i].Ticket == req.Position {
			list[i].SL = req.SL
			list[i].TP = req.TP
			return OrderResult{Retcode: RetcodeDone, Position: req.Position}, nil
		}
	}
	return OrderResult{Retcode: 10013, Comment: "position not found"}, nil
}

func (f *Fake) openDeal(req OrderRequest) (OrderResult, error) {
	price := req.Price
	if tick, ok := f.ticks[req.Symbol]; ok && price == 0 {
		if req.Type == OrderBuy {
			price = tick.Ask
		} else {
			price = tick.Bid
		}
	}

	ticket := f.allocTicket()
	posType := PositionBuy
	if req.Type == OrderSell {
		posType = PositionSell
	}
	f.positions[f.login] = append(f.positions[f.login], Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Type:      posType,
		Volume:    req.Volume,
		PriceOpen: price,
		SL:        req.SL,
		TP:        req.TP,
		Magic:     req.Magic,
		Comment:   req.Comment,
		OpenTime:  time.Now().UTC(),
	})

	deal := f.allocDeal()
	f.deals[f.login] = append(f.deals[f.login], Deal{
		Ticket:     deal,
		PositionID: ticket,
		Symbol:     req.Symbol,
		Entry:      EntryIn,
		Type:       req.Type,
		Volume:     req.Volume,
		Price:      price,
		Magic:      req.Magic,
		Comment:    req.Comment,
		Time:       time.Now().UTC(),
	})

	return OrderResult{Retcode: RetcodeDone, Deal: deal, Order: ticket, Position: ticket, Price: price, Volume: req.Volume}, nil
}

func (f *Fake) closeDeal(req OrderRequest) (OrderResult, error) {
	list := f.positions[f.login]
	for i := range list {
		pos := &list[i]
		if pos.Ticket != req.Position {
			continue
		}

		price := req.Price
		if tick, ok := f.ticks[pos.Symbol]; ok && price == 0 {
			if req.Type == OrderBuy {
				price = tick.Ask
			} else {
				price = tick.Bid
			}
		}

		closed := req.Volume
		if closed >= pos.Volume-1e-9 {
			closed = pos.Volume
		}

		deal := f.allocDeal()
		f.deals[f.login] = append(f.deals[f.login], Deal{
			Ticket:     deal,
			PositionID: pos.Ticket,
			Symbol:     pos.Symbol,
			Entry:      EntryOut,
			Type:       req.Type,
			Volume:     closed,
			Price:      price,
			Profit:     positionProfit(*pos, closed, price),
			Magic:      pos.Magic,
			Comment:    pos.Comment,
			Time:       time.Now().UTC(),
		})

		result := OrderResult{Retcode: RetcodeDone, Deal: deal, Position: pos.Ticket, Price: price, Volume: closed}

		if closed >= pos.Volume-1e-9 {
			f.positions[f.login] = append(list[:i], list[i+1:]...)
			return result, nil
		}

		pos.Volume -= closed
		if f.RotateOnPartial {
			pos.Ticket = f.allocTicket()
		}
		return result, nil
	}
	return OrderResult{Retcode: 10013, Comment: "position not found"}, nil
}

func positionProfit(pos Position, volume, closePrice float64) float64 {
	contract := 100000.0
	if pos.Type == PositionBuy {
		return (closePrice - pos.PriceOpen) * volume * contract
	}
	return (pos.PriceOpen - closePrice) * volume * contract
}
