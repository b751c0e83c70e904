// Package signal defines the copy-signal wire protocol. Payloads are
// self-describing JSON so non-Go consumers (UI, audit tooling) can parse
// them; inside the engine they are decoded once at ingress into a tagged
// variant and passed around typed.
package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirrorfx/mirrorfx/internal/numbers"
)

// MaxAge is the staleness boundary: no consumer may act on a signal
// older than this.
const MaxAge = 60 * time.Second

// Action tags a signal variant.
type Action string

const (
	ActionOpen   Action = "OPEN"
	ActionModify Action = "MODIFY"
	ActionClose  Action = "CLOSE"
)

// Side is the master-side trade direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Inverted returns the opposite direction.
func (s Side) Inverted() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

var (
	ErrUnknownAction = errors.New("signal: unknown action")
	ErrMissingField  = errors.New("signal: missing field")
)

// Header carries the fields shared by every signal variant.
type Header struct {
	Action       Action
	MasterID     string
	MasterLogin  int64
	MasterTicket int64
	Symbol       string
	EmittedAt    time.Time
}

// Stale reports whether the signal crossed the staleness boundary.
func (h Header) Stale(now time.Time) bool {
	return now.Sub(h.EmittedAt) > MaxAge
}

// Signal is the tagged variant: Open, Modify, or Close.
type Signal interface {
	Hdr() Header
	Encode() ([]byte, error)
}

// Open announces a new master position.
type Open struct {
	Header
	Side         Side
	Volume       float64
	Price        float64
	SL           float64
	TP           float64
	OpenTime     time.Time
	MasterEquity float64
}

// Modify announces an SL/TP change on an existing master position.
type Modify struct {
	Header
	SL           float64
	TP           float64
	MasterEntry  float64
	MasterEquity float64
}

// Close announces a full or partial close. Pct is the fraction of the
// previous volume that was closed (1.0 = full close).
type Close struct {
	Header
	Volume     float64
	Pct        float64
	Price      float64
	Profit     float64
	Swap       float64
	Commission float64
	CloseTime  time.Time
}

func (s Open) Hdr() Header   { return s.Header }
func (s Modify) Hdr() Header { return s.Header }
func (s Close) Hdr() Header  { return s.Header }

type openWire struct {
	Action       string  `json:"action"`
	MasterID     string  `json:"masterId"`
	MasterLogin  int64   `json:"master_login"`
	Ticket       string  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	Price        float64 `json:"price"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	OpenTime     int64   `json:"openTime"`
	MasterEquity float64 `json:"master_equity"`
	Timestamp    float64 `json:"timestamp"`
}

type modifyWire struct {
	Action       string  `json:"action"`
	MasterID     string  `json:"masterId"`
	MasterLogin  int64   `json:"master_login"`
	Ticket       string  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	MasterEntry  float64 `json:"master_entry"`
	MasterEquity float64 `json:"master_equity"`
	Timestamp    float64 `json:"timestamp"`
}

type closeWire struct {
	Action      string  `json:"action"`
	MasterID    string  `json:"masterId"`
	MasterLogin int64   `json:"master_login"`
	Ticket      string  `json:"ticket"`
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	Pct         float64 `json:"pct"`
	Price       float64 `json:"price"`
	Profit      float64 `json:"profit"`
	Swap        float64 `json:"swap"`
	Commission  float64 `json:"commission"`
	CloseTime   int64   `json:"closeTime"`
	Timestamp   float64 `json:"timestamp"`
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Encode renders the OPEN wire payload.
func (s Open) Encode() ([]byte, error) {
	return json.Marshal(openWire{
		Action:       string(ActionOpen),
		MasterID:     s.MasterID,
		MasterLogin:  s.MasterLogin,
		Ticket:       fmt.Sprintf("%d", s.MasterTicket),
		Symbol:       s.Symbol,
		Type:         string(s.Side),
		Volume:       s.Volume,
		Price:        s.Price,
		SL:           s.SL,
		TP:           s.TP,
		OpenTime:     s.OpenTime.Unix(),
		MasterEquity: s.MasterEquity,
		Timestamp:    unixFloat(s.EmittedAt),
	})
}

// Encode renders the MODIFY wire payload.
func (s Modify) Encode() ([]byte, error) {
	return json.Marshal(modifyWire{
		Action:       string(ActionModify),
		MasterID:     s.MasterID,
		MasterLogin:  s.MasterLogin,
		Ticket:       fmt.Sprintf("%d", s.MasterTicket),
		Symbol:       s.Symbol,
		SL:           s.SL,
		TP:           s.TP,
		MasterEntry:  s.MasterEntry,
		MasterEquity: s.MasterEquity,
		Timestamp:    unixFloat(s.EmittedAt),
	})
}

// Encode renders the CLOSE wire payload.
func (s Close) Encode() ([]byte, error) {
	return json.Marshal(closeWire{
		Action:      string(ActionClose),
		MasterID:    s.MasterID,
		MasterLogin: s.MasterLogin,
		Ticket:      fmt.Sprintf("%d", s.MasterTicket),
		Symbol:      s.Symbol,
		Volume:      s.Volume,
		Pct:         s.Pct,
		Price:       s.Price,
		Profit:      s.Profit,
		Swap:        s.Swap,
		Commission:  s.Commission,
		CloseTime:   s.CloseTime.Unix(),
		Timestamp:   unixFloat(s.EmittedAt),
	})
}

// Decode parses a wire payload into its typed variant. Numeric fields are
// accepted both as JSON numbers and as strings (emitters differ on ticket
// and timestamp encoding).
func Decode(payload []byte) (Signal, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("signal: decode: %w", err)
	}

	action, _ := raw["action"].(string)
	hdr, err := decodeHeader(raw, Action(action))
	if err != nil {
		return nil, err
	}

	switch Action(action) {
	case ActionOpen:
		side, _ := raw["type"].(string)
		if side != string(Buy) && side != string(Sell) {
			return nil, fmt.Errorf("%w: type", ErrMissingField)
		}
		s := Open{Header: hdr, Side: Side(side)}
		s.Volume = floatField(raw, "volume")
		s.Price = floatField(raw, "price")
		s.SL = floatField(raw, "sl")
		s.TP = floatField(raw, "tp")
		s.MasterEquity = floatField(raw, "master_equity")
		if v, ok := raw["openTime"]; ok {
			if t, err := numbers.AsUnix(v); err == nil {
				s.OpenTime = t
			}
		}
		return s, nil

	case ActionModify:
		s := Modify{Header: hdr}
		s.SL = floatField(raw, "sl")
		s.TP = floatField(raw, "tp")
		s.MasterEntry = floatField(raw, "master_entry")
		s.MasterEquity = floatField(raw, "master_equity")
		return s, nil

	case ActionClose:
		s := Close{Header: hdr}
		s.Volume = floatField(raw, "volume")
		s.Pct = floatField(raw, "pct")
		s.Price = floatField(raw, "price")
		s.Profit = floatField(raw, "profit")
		s.Swap = floatField(raw, "swap")
		s.Commission = floatField(raw, "commission")
		if v, ok := raw["closeTime"]; ok {
			if t, err := numbers.AsUnix(v); err == nil {
				s.CloseTime = t
			}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func decodeHeader(raw map[string]any, action Action) (Header, error) {
	hdr := Header{Action: action}

	masterID, _ := raw["masterId"].(string)
	if masterID == "" {
		return hdr, fmt.Errorf("%w: masterId", ErrMissingField)
	}
	hdr.MasterID = masterID

	ticket, ok := raw["ticket"]
	if !ok {
		return hdr, fmt.Errorf("%w: ticket", ErrMissingField)
	}
	mt, err := numbers.AsInt(ticket)
	if err != nil {
		return hdr, fmt.Errorf("signal: ticket: %w", err)
	}
	hdr.MasterTicket = mt

	if v, ok := raw["master_login"]; ok {
		if login, err := numbers.AsInt(v); err == nil {
			hdr.MasterLogin = login
		}
	}
	hdr.Symbol, _ = raw["symbol"].(string)

	ts, ok := raw["timestamp"]
	if !ok {
		return hdr, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	emitted, err := numbers.AsUnix(ts)
	if err != nil {
		return hdr, fmt.Errorf("signal: timestamp: %w", err)
	}
	hdr.EmittedAt = emitted

	return hdr, nil
}

func floatField(raw map[string]any, key string) float64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	f, err := numbers.AsFloat(v)
	if err != nil {
		return 0
	}
	return f
}
