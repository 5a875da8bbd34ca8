package market

import (
	"strings"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
)

// Pair is a traded symbol split into its legs.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ParseSymbol accepts BASE/QUOTE and BASE-QUOTE. A bare stock ticker is quoted
// in USD and a bare six letter forex symbol splits three and three.
func ParseSymbol(symbol string, class storage.AssetClass) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return Pair{}, apperr.Invalid("symbol is required")
	}

	if i := strings.IndexAny(s, "/-"); i >= 0 {
		base, quote := s[:i], s[i+1:]
		if !validLeg(base) || !validLeg(quote) || base == quote {
			return Pair{}, apperr.Invalid("malformed symbol %q", symbol)
		}
		return Pair{Base: base, Quote: quote}, nil
	}

	switch {
	case class == storage.AssetStock && validLeg(s):
		return Pair{Base: s, Quote: "USD"}, nil
	case class == storage.AssetForex && len(s) == 6 && validLeg(s):
		return Pair{Base: s[:3], Quote: s[3:]}, nil
	}
	return Pair{}, apperr.Invalid("malformed symbol %q", symbol)
}

func validLeg(s string) bool {
	if s == "" || len(s) > 12 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
