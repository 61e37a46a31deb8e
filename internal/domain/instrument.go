package domain

import (
	"regexp"
	"strings"
)

// Lot sizes for the recognized index futures. These must match the exchange
// contract specifications exactly; an order on any of these roots is only
// valid in whole-lot multiples.
var indexLotSizes = map[string]int{
	"MIDCPNIFTY": 75,
	"FINNIFTY":   40,
	"BANKNIFTY":  30,
	"NIFTY":      75,
}

// indexRoots is ordered longest-first so that e.g. FINNIFTY is not matched
// as NIFTY.
var indexRoots = []string{"MIDCPNIFTY", "FINNIFTY", "BANKNIFTY", "NIFTY"}

// optionSuffix matches option trading symbols such as NIFTY24500CE or
// BANKNIFTY24JAN48000PE: a strike price followed by CE (call) or PE (put).
var optionSuffix = regexp.MustCompile(`[0-9]+(CE|PE)$`)

// IsOption reports whether the symbol is an options contract.
func IsOption(symbol string) bool {
	return optionSuffix.MatchString(symbol)
}

// IndexFutureRoot returns the index root for a recognized index-future
// symbol (continuous "-I" or dated "...FUT" contracts), or false when the
// symbol is not a recognized index future.
func IndexFutureRoot(symbol string) (string, bool) {
	s := symbol
	switch {
	case strings.HasSuffix(s, "-I"):
		s = strings.TrimSuffix(s, "-I")
	case strings.HasSuffix(s, "FUT"):
		s = strings.TrimSuffix(s, "FUT")
	default:
		return "", false
	}
	for _, root := range indexRoots {
		if strings.HasPrefix(s, root) {
			return root, true
		}
	}
	return "", false
}

// IsIndexFuture reports whether the symbol is a recognized index future.
func IsIndexFuture(symbol string) bool {
	_, ok := IndexFutureRoot(symbol)
	return ok
}

// LotSize returns the fixed lot size for a recognized index future and true,
// or 0 and false for all other symbols.
func LotSize(symbol string) (int, bool) {
	root, ok := IndexFutureRoot(symbol)
	if !ok {
		return 0, false
	}
	return indexLotSizes[root], true
}
