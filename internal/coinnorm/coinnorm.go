package coinnorm

import (
	"regexp"
	"strings"
)

// Normalized is a coin label in its canonical display form.
type Normalized struct {
	Symbol  string // ticker when known: BTC, LTC, KAS...
	Display string // what the dashboard shows
	Key     string // stable key for grouping/filtering
}

var ws = regexp.MustCompile(`\s+`)

// aliases maps the spellings agents actually send to a ticker. Keys are
// upper-cased, whitespace-collapsed labels.
var aliases = map[string]string{
	"BTC":          "BTC",
	"BITCOIN":      "BTC",
	"XBT":          "BTC",
	"BCH":          "BCH",
	"BITCOIN CASH": "BCH",
	"LTC":          "LTC",
	"LITECOIN":     "LTC",
	"DOGE":         "DOGE",
	"DOGECOIN":     "DOGE",
	"KAS":          "KAS",
	"KASPA":        "KAS",
	"KDA":          "KDA",
	"KADENA":       "KDA",
	"ZEC":          "ZEC",
	"ZCASH":        "ZEC",
	"DASH":         "DASH",
	"ETC":          "ETC",
	"ETHEREUM CLASSIC": "ETC",
	"CKB":    "CKB",
	"NERVOS": "CKB",
	"ALPH":   "ALPH",
	"ALEPHIUM": "ALPH",
}

// Normalize maps a free-form coin label from an agent to its canonical form.
// Unknown labels pass through with collapsed whitespace so the dashboard
// still groups consistently. Empty labels come back as "Unknown".
func Normalize(raw string) Normalized {
	s := ws.ReplaceAllString(strings.TrimSpace(raw), " ")
	if s == "" {
		return Normalized{Display: "Unknown", Key: "UNKNOWN"}
	}

	up := strings.ToUpper(s)
	if sym, ok := aliases[up]; ok {
		return Normalized{Symbol: sym, Display: sym, Key: sym}
	}

	// Merged-mining pairs like "LTC+DOGE" normalize per side.
	if strings.Contains(up, "+") {
		parts := strings.Split(up, "+")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if sym, ok := aliases[p]; ok {
				out = append(out, sym)
			} else {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			joined := strings.Join(out, "+")
			return Normalized{Display: joined, Key: joined}
		}
	}

	return Normalized{Display: s, Key: up}
}
