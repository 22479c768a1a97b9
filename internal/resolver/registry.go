// Package resolver turns parsed symbols into upstream contract chains:
// a single entry for equities, FX and cash indices, and an ordered
// sequence of (contract, validity) segments for continuous and
// positional futures, driven by a per-root expiry calendar.
package resolver

import "strings"

// regionInfo maps an equity region suffix to its currency and primary
// exchange. US listings route through SMART without a primary pin.
type regionInfo struct {
	Currency string
	Primary  string
}

var regionMap = map[string]regionInfo{
	"US": {"USD", ""},
	"HK": {"HKD", "SEHK"},
	"JP": {"JPY", "TSEJ"},
	"SG": {"SGD", "SGX"},
	"AU": {"AUD", "ASX"},
	"IN": {"INR", "NSE"},
	"LN": {"GBP", "LSE"},
	"GY": {"EUR", "IBIS"},
	"FR": {"EUR", "SBF"},
	"SW": {"CHF", "SWX"},
	"NL": {"EUR", "AEB"},
	"SK": {"SEK", "SFB"},
	"NO": {"NOK", "OSE"},
	"IT": {"EUR", "BVME"},
	"SP": {"EUR", "BME"},
	"CA": {"CAD", "TSE"},
	"BZ": {"BRL", "BVMF"},
	"SA": {"ZAR", "JSE"},
}

// numericPad widths for venues with zero-padded numeric tickers
// (EQ:700.HK is upstream symbol 0700).
var numericPad = map[string]int{"HK": 4, "JP": 4}

func padNumeric(ticker, region string) string {
	for _, r := range ticker {
		if r < '0' || r > '9' {
			return ticker
		}
	}
	width := numericPad[region]
	for len(ticker) < width {
		ticker = "0" + ticker
	}
	return ticker
}

// indexInfo is the default venue for a cash index, with a pinned conid
// where symbol search is ambiguous upstream.
type indexInfo struct {
	Symbol   string
	Exchange string
	Currency string
	ConID    int64
}

var indexDefaults = map[string]indexInfo{
	"SPX":     {"SPX", "CBOE", "USD", 0},
	"NDX":     {"NDX", "NASDAQ", "USD", 0},
	"RUT":     {"RUT", "RUSSELL", "USD", 0},
	"VIX":     {"VIX", "CBOE", "USD", 0},
	"DAX":     {"DAX", "EUREX", "EUR", 0},
	"MDAX":    {"MDAX", "EUREX", "EUR", 0},
	"SX5E":    {"SX5E", "EUREX", "EUR", 4356500},
	"SX7E":    {"SX7E", "EUREX", "EUR", 0},
	"V2X":     {"V2X", "EUREX", "EUR", 0},
	"FTSE":    {"FTSE", "LSE", "GBP", 0},
	"UKX":     {"UKX", "LSE", "GBP", 0},
	"SMI":     {"SMI", "SWX", "CHF", 0},
	"FTMIB":   {"FTMIB", "IDEM", "EUR", 0},
	"IBEX":    {"IBEX", "MEFFRV", "EUR", 0},
	"N225":    {"N225", "OSE.JPN", "JPY", 0},
	"TOPX":    {"TOPX", "OSE.JPN", "JPY", 0},
	"HSI":     {"HSI", "HKFE", "HKD", 0},
	"HHI":     {"HHI", "HKFE", "HKD", 0},
	"HSTECH":  {"HSTECH", "HKFE", "HKD", 0},
	"K200":    {"K200", "KSE", "KRW", 0},
	"NIFTY50": {"NIFTY50", "NSE", "INR", 0},
	"IBOV":    {"IBOV", "BVMF", "BRL", 0},
}

// indexAliases folds user-facing names onto upstream cash symbols.
var indexAliases = map[string]string{
	"ESTX50": "SX5E",
	"ESTX":   "SX5E",
	"HSCEI":  "HHI",
}

// futuresProduct describes a futures root the way the upstream lists
// it. Roots beyond this set are discovered from the gateway and
// persisted by the store.
type futuresProduct struct {
	Symbol       string // upstream symbol, may differ from the root (FDAX lists as DAX)
	TradingClass string
	Exchange     string
	Currency     string
	Multiplier   float64
}

var futuresRegistry = map[string]futuresProduct{
	"ES":   {"ES", "ES", "CME", "USD", 50},
	"MES":  {"MES", "MES", "CME", "USD", 5},
	"NQ":   {"NQ", "NQ", "CME", "USD", 20},
	"MNQ":  {"MNQ", "MNQ", "CME", "USD", 2},
	"RTY":  {"RTY", "RTY", "CME", "USD", 50},
	"CL":   {"CL", "CL", "NYMEX", "USD", 1000},
	"GC":   {"GC", "GC", "COMEX", "USD", 100},
	"DAX":  {"DAX", "FDAX", "EUREX", "EUR", 25},
	"FDAX": {"DAX", "FDAX", "EUREX", "EUR", 25},
	"FESX": {"ESTX50", "FESX", "EUREX", "EUR", 10},
}

func lookupIndex(name string) (indexInfo, bool) {
	name = strings.ToUpper(name)
	if alias, ok := indexAliases[name]; ok {
		name = alias
	}
	info, ok := indexDefaults[name]
	return info, ok
}

func lookupFuturesProduct(root string) (futuresProduct, bool) {
	p, ok := futuresRegistry[strings.ToUpper(root)]
	return p, ok
}
