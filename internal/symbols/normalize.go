package symbols

import "strings"

// Exchanges expose many raw spellings for the same economic asset: legacy
// asset-class prefixes (XXBT, ZUSD), staking variants (DOT.S, ETH2.S),
// futures contracts (PI_XBTUSD) and multi-collateral suffixes. Everything in
// the price table is keyed by the canonical spelling produced here.

// specialCases pins raw asset codes that the suffix rules alone cannot
// resolve.
var specialCases = map[string]string{
	"XBT":    "BTC",
	"XXBT":   "BTC",
	"XDG":    "DOGE",
	"XXDG":   "DOGE",
	"XETH":   "ETH",
	"XETC":   "ETC",
	"XLTC":   "LTC",
	"XMLN":   "MLN",
	"XREP":   "REP",
	"XXLM":   "XLM",
	"XXMR":   "XMR",
	"XXRP":   "XRP",
	"XZEC":   "ZEC",
	"ZUSD":   "USD",
	"ZEUR":   "EUR",
	"ZGBP":   "GBP",
	"ZCAD":   "CAD",
	"ZJPY":   "JPY",
	"ZAUD":   "AUD",
	"ETH2":   "ETH",
	"LUNA2":  "LUNA",
	"REPV2":  "REP",
	"USDT.F": "USDT",
}

// variantSuffixes are stripped before the special case lookup: staking
// (".S", ".M"), parachain (".P"), flexible earn (".F"), opt-in bonded (".B")
// and numbered staking generations ("ETH2.S").
var variantSuffixes = []string{".S", ".M", ".P", ".F", ".B", ".HOLD"}

// futuresPrefixes mark perpetual and fixed-maturity contract spellings.
var futuresPrefixes = []string{"PI_", "FI_", "PF_", "FF_"}

// CanonicalAsset converts a raw exchange asset code to its canonical symbol.
func CanonicalAsset(raw string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	for _, p := range futuresPrefixes {
		sym = strings.TrimPrefix(sym, p)
	}
	for _, suf := range variantSuffixes {
		sym = strings.TrimSuffix(sym, suf)
	}
	if canonical, ok := specialCases[sym]; ok {
		return canonical
	}
	return sym
}

// SplitPair breaks a raw pair spelling ("XBT/USD", "XXBTZUSD") into base and
// quote using the separator when present. Concatenated pairs without a
// separator cannot be split reliably and return ok=false; those come from the
// asset-pairs metadata which carries explicit base/quote fields instead.
func SplitPair(raw string) (base, quote string, ok bool) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(raw, sep); i > 0 {
			return raw[:i], raw[i+len(sep):], true
		}
	}
	return "", "", false
}
