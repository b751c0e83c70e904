// Package symbols resolves economic instruments to broker-listed symbol
// names and normalizes volumes and prices to broker precision. Brokers
// list the same instrument as XAUUSD, GOLD, GOLD.s, GC, or an explicit
// futures contract like GCZ25; the resolver walks suffixes, synonym
// groups, and contract months until the broker accepts a selection.
package symbols

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/mirrorfx/mirrorfx/internal/terminal"
)

// suffixes are broker decorations appended to a root symbol.
var suffixes = []string{
	"", "m", "c", "b", "z", ".m", ".c", ".s", ".std", ".pro", ".r",
	"_i", ".p", ".ecn", "#", "ft", "ft.r", ".t",
}

// synonymGroups lists alternate listings of the same instrument.
var synonymGroups = [][]string{
	{"XAUUSD", "GOLD", "GC", "MGC", "QO"},
	{"XAGUSD", "SILVER", "SI", "SIL"},
	{"US30", "DJ30", "DOW", "YM", "MYM"},
	{"NAS100", "USTEC", "NDX100", "NQ", "MNQ"},
	{"SPX500", "US500", "SP500", "ES", "MES"},
	{"USOIL", "WTI", "CL", "MCL"},
	{"DE40", "GER40", "DAX40", "FDAX"},
	{"SET50", "S50"},
}

// futuresRoots are roots that may only exist as dated contracts.
var futuresRoots = map[string]bool{
	"GC": true, "MGC": true, "SI": true, "ES": true, "MES": true,
	"NQ": true, "MNQ": true, "YM": true, "MYM": true, "CL": true,
	"MCL": true, "S50": true, "FDAX": true,
}

// monthCodes are the futures month letters in calendar order.
const monthCodes = "FGHJKMNQUVXZ"

// yearCodes covers two-digit contract years and the single-digit forms
// some brokers use.
var yearCodes = []string{"25", "26", "27", "28", "29", "30", "5", "6", "7", "8", "9", "0"}

// Resolver maps input symbols to broker-tradable names. Resolutions are
// cached per input for the life of the resolver; broker symbol tables do
// not change mid-session.
type Resolver struct {
	term terminal.Terminal

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver builds a resolver over a terminal handle.
func NewResolver(term terminal.Terminal) *Resolver {
	return &Resolver{term: term, cache: make(map[string]string)}
}

// Resolve returns a symbol the broker exposes and accepts for selection,
// or ok=false when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (string, bool) {
	input := strings.ToUpper(strings.TrimSpace(symbol))
	if input == "" {
		return "", false
	}

	r.mu.Lock()
	if hit, ok := r.cache[input]; ok {
		r.mu.Unlock()
		return hit, hit != ""
	}
	r.mu.Unlock()

	resolved := r.resolve(ctx, input)

	r.mu.Lock()
	r.cache[input] = resolved
	r.mu.Unlock()
	return resolved, resolved != ""
}

func (r *Resolver) resolve(ctx context.Context, input string) string {
	// Direct and suffixed forms of the input itself.
	if s := r.trySuffixed(ctx, input); s != "" {
		return s
	}

	// Synonym group members, each with the suffix set.
	for _, alias := range aliasesOf(input) {
		if s := r.trySuffixed(ctx, alias); s != "" {
			return s
		}
		if s := r.tryFutures(ctx, alias); s != "" {
			return s
		}
	}

	if s := r.tryFutures(ctx, input); s != "" {
		return s
	}

	// Strip broker decoration from the input and retry once.
	if stripped := stripDecoration(input); stripped != "" && stripped != input {
		if s := r.trySuffixed(ctx, stripped); s != "" {
			return s
		}
		for _, alias := range aliasesOf(stripped) {
			if s := r.trySuffixed(ctx, alias); s != "" {
				return s
			}
		}
	}

	// Last resort: ask the broker for anything containing the root.
	root := stripDecoration(input)
	if root == "" {
		root = input
	}
	names, err := r.term.Symbols(ctx, "*"+root+"*")
	if err == nil {
		for _, name := range names {
			if r.term.SymbolSelect(ctx, name) {
				return name
			}
		}
	}
	return ""
}

func (r *Resolver) trySuffixed(ctx context.Context, root string) string {
	for _, suf := range suffixes {
		candidate := root + suf
		if r.term.SymbolSelect(ctx, candidate) {
			return candidate
		}
		// Brokers are inconsistent about suffix case.
		if lower := root + strings.ToLower(suf); lower != candidate && r.term.SymbolSelect(ctx, lower) {
			return lower
		}
	}
	return ""
}

func (r *Resolver) tryFutures(ctx context.Context, root string) string {
	if !futuresRoots[root] {
		return ""
	}
	for _, year := range yearCodes {
		for _, month := range monthCodes {
			candidate := root + string(month) + year
			if r.term.SymbolSelect(ctx, candidate) {
				return candidate
			}
		}
	}
	return ""
}

func aliasesOf(symbol string) []string {
	for _, group := range synonymGroups {
		for _, member := range group {
			if member == symbol {
				out := make([]string, 0, len(group)-1)
				for _, other := range group {
					if other != symbol {
						out = append(out, other)
					}
				}
				return out
			}
		}
	}
	return nil
}

// stripDecoration removes a leading "pfx." prefix or a trailing suffix
// starting at the first '.', '#', or '_'.
func stripDecoration(symbol string) string {
	if dot := strings.Index(symbol, "."); dot > 0 && dot < 4 {
		// Short leading segment looks like a broker prefix.
		return symbol[dot+1:]
	}
	if cut := strings.IndexAny(symbol, ".#_"); cut > 0 {
		return symbol[:cut]
	}
	return symbol
}

// NormalizeVolume rounds a raw volume to the symbol's step and clamps it
// into [VolumeMin, VolumeMax]. A sub-minimum raw volume lands on the
// minimum, never on zero.
func NormalizeVolume(info terminal.SymbolInfo, raw float64) float64 {
	step := info.VolumeStep
	if step <= 0 {
		step = 0.01
	}
	vol := math.Round(raw/step) * step
	// Kill float dust from the division.
	vol = math.Round(vol*1e8) / 1e8

	if info.VolumeMin > 0 && vol < info.VolumeMin {
		vol = info.VolumeMin
	}
	if info.VolumeMax > 0 && vol > info.VolumeMax {
		vol = info.VolumeMax
	}
	return vol
}

// RoundPrice rounds a price to the symbol's digit precision. Zero stays
// zero so unset SL/TP pass through untouched.
func RoundPrice(info terminal.SymbolInfo, price float64) float64 {
	if price == 0 {
		return 0
	}
	scale := math.Pow(10, float64(info.Digits))
	return math.Round(price*scale) / scale
}
