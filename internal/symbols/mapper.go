package symbols

import "strings"

// knownQuotes is checked in order, so longer suffixes come first.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH"}

// Canonical converts an instrument identifier to upper case BASE/QUOTE form.
// Dash and underscore separators are accepted, XBT is mapped to BTC and
// separator-less pairs are split on a known quote asset. An identifier that
// cannot be split is returned upper-cased as is.
func Canonical(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if sym == "" {
		return ""
	}
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.NewReplacer("-", "/", "_", "/").Replace(sym)

	base, quote, ok := strings.Cut(sym, "/")
	if !ok {
		base, quote, ok = splitQuote(sym)
		if !ok {
			return sym
		}
	}
	if base == "XBT" {
		base = "BTC"
	}
	if quote == "XBT" {
		quote = "BTC"
	}
	return base + "/" + quote
}

func splitQuote(sym string) (string, string, bool) {
	for _, q := range knownQuotes {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return strings.TrimSuffix(sym, q), q, true
		}
	}
	return "", "", false
}

// ToBinance converts a canonical identifier to the Binance futures symbol.
// Binance lists a few low priced assets in thousands.
func ToBinance(sym string) string {
	sym = strings.ReplaceAll(Canonical(sym), "/", "")
	switch sym {
	case "BONKUSDT":
		sym = "1000BONKUSDT"
	case "PEPEUSDT":
		sym = "1000PEPEUSDT"
	case "SHIBUSDT":
		sym = "1000SHIBUSDT"
	}
	return sym
}

// FromBinance maps a Binance futures symbol back to canonical form.
func FromBinance(sym string) string {
	sym = strings.ToUpper(sym)
	switch sym {
	case "1000BONKUSDT":
		sym = "BONKUSDT"
	case "1000PEPEUSDT":
		sym = "PEPEUSDT"
	case "1000SHIBUSDT":
		sym = "SHIBUSDT"
	}
	return Canonical(sym)
}

// ToBybit converts a canonical identifier to the Bybit linear contract
// symbol. Bybit shares the Binance thousands listings.
func ToBybit(sym string) string {
	return ToBinance(sym)
}

// ToKucoin converts a canonical identifier to the KuCoin futures perpetual
// symbol: BTC is listed as XBT and the contract carries an M suffix.
func ToKucoin(sym string) string {
	base, quote, ok := strings.Cut(Canonical(sym), "/")
	if !ok {
		return Canonical(sym)
	}
	if base == "BTC" {
		base = "XBT"
	}
	return base + quote + "M"
}

// FromKucoin maps a KuCoin futures symbol back to canonical form.
func FromKucoin(sym string) string {
	sym = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(sym)), "M")
	return Canonical(sym)
}
