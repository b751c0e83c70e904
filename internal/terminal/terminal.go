// Package terminal is the boundary to the broker terminal SDK. The SDK is
// an external collaborator: one authenticated account at a time per
// physical terminal, every call stateful. Everything above this package
// talks to the Terminal interface only.
package terminal

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// CopyMagic marks every position this system originates. The broadcaster
// masks these to prevent self-feedback.
const CopyMagic = 234000

// RetcodeDone is the broker return code for a completed request.
const RetcodeDone = 10009

// PositionType is the direction of an open position.
type PositionType int

const (
	PositionBuy PositionType = iota
	PositionSell
)

// OrderType is the direction of an order request.
type OrderType int

const (
	OrderBuy OrderType = iota
	OrderSell
)

// TradeAction selects between a market deal and an SL/TP modification.
type TradeAction int

const (
	ActionDeal TradeAction = iota
	ActionSLTP
)

// DealEntry classifies a historical deal.
type DealEntry int

const (
	EntryIn DealEntry = iota
	EntryOut
	EntryInOut
)

// AccountInfo is a snapshot of the authenticated account.
type AccountInfo struct {
	Login      int64
	Equity     float64
	Balance    float64
	FreeMargin float64
	Profit     float64
	Currency   string
}

// Position is an open position on the authenticated account.
type Position struct {
	Ticket    int64
	Symbol    string
	Type      PositionType
	Volume    float64
	PriceOpen float64
	SL        float64
	TP        float64
	Profit    float64
	Swap      float64
	Magic     int64
	Comment   string
	OpenTime  time.Time
}

// Deal is an entry in the broker's deal history.
type Deal struct {
	Ticket     int64
	Order      int64
	PositionID int64
	Symbol     string
	Entry      DealEntry
	Type       OrderType
	Volume     float64
	Price      float64
	Profit     float64
	Swap       float64
	Commission float64
	Fee        float64
	Magic      int64
	Comment    string
	Time       time.Time
}

// SymbolInfo carries the broker's trading constraints for a symbol.
type SymbolInfo struct {
	Name         string
	Digits       int
	Point        float64
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
	ContractSize float64
	TradeAllowed bool
}

// Tick is the current quote for a symbol.
type Tick struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// OrderRequest describes a trade request. For ActionDeal with a nonzero
// Position the deal closes (part of) that position; otherwise it opens.
type OrderRequest struct {
	Action   TradeAction
	Symbol   string
	Volume   float64
	Type     OrderType
	Price    float64
	SL       float64
	TP       float64
	Position int64
	Magic    int64
	Comment  string
}

// OrderResult is the broker's response to an OrderRequest.
type OrderResult struct {
	Retcode  int
	Deal     int64
	Order    int64
	Position int64
	Price    float64
	Volume   float64
	Comment  string
}

// Done reports whether the broker accepted and executed the request.
func (r OrderResult) Done() bool { return r.Retcode == RetcodeDone }

// Terminal is the stateful SDK surface. Calls may block for seconds; all
// take a context. Login switches the authenticated account for the whole
// physical terminal, which is why access is serialized by the cooperative
// mutex above this layer.
type Terminal interface {
	Initialize(ctx context.Context, path string) error
	Shutdown()
	Connected(ctx context.Context) bool
	Login(ctx context.Context, login int64, password, server string) error
	AccountInfo(ctx context.Context) (AccountInfo, error)
	Positions(ctx context.Context) ([]Position, error)
	HistoryDeals(ctx context.Context, from, to time.Time) ([]Deal, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	SymbolSelect(ctx context.Context, symbol string) bool
	Symbols(ctx context.Context, pattern string) ([]string, error)
	Tick(ctx context.Context, symbol string) (Tick, error)
	OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error)
	OrderCalcMargin(ctx context.Context, typ OrderType, symbol string, volume, price float64) (float64, error)
}

// Tag builds the comment pairing a follower position to its master ticket.
func Tag(masterTicket int64) string {
	return "CPY:" + strconv.FormatInt(masterTicket, 10)
}

// SessionTag builds the session-scoped comment form.
func SessionTag(sessionID, masterTicket int64) string {
	return "CPY:S" + strconv.FormatInt(sessionID, 10) + ":" + strconv.FormatInt(masterTicket, 10)
}

// ParseTag extracts the master ticket from a position comment. It accepts
// both tag forms and tolerates trailing broker-appended text ("[sl]").
func ParseTag(comment string) (int64, bool) {
	idx := strings.Index(comment, "CPY:")
	if idx < 0 {
		return 0, false
	}
	rest := comment[idx+len("CPY:"):]

	// Session-scoped form: S{sessionId}:{masterTicket}.
	if strings.HasPrefix(rest, "S") {
		if colon := strings.Index(rest, ":"); colon > 0 {
			if _, err := strconv.ParseInt(rest[1:colon], 10, 64); err == nil {
				rest = rest[colon+1:]
			}
		}
	}

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	ticket, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return ticket, true
}
