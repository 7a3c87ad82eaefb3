package broker

import "strings"

// DefaultFlag is assumed when a ticker carries no market suffix.
const DefaultFlag = "US"

// suffixFlags maps cross-market suffixes to brokerage country flags.
var suffixFlags = map[string]string{
	"de": "DE",
	"to": "CA",
	"ol": "NO",
	"he": "FI",
	"st": "SE",
	"co": "DK",
}

// ToBrokerTicker converts SYMBOL.SUFFIX notation into the brokerage symbol and
// country flag, e.g. "BBD-B.TO" becomes ("BBD.B", "CA").
func ToBrokerTicker(ticker string) (symbol, flag string) {
	symbol, suffix, hasSuffix := strings.Cut(strings.TrimSpace(ticker), ".")
	flag = DefaultFlag
	if hasSuffix {
		suffix, _, _ = strings.Cut(suffix, ".")
		if mapped, ok := suffixFlags[strings.ToLower(suffix)]; ok {
			flag = mapped
		} else {
			flag = strings.ToUpper(suffix)
		}
		if flag == "DE" {
			symbol += "d"
		}
	}
	if flag == "SE" {
		symbol = strings.ReplaceAll(symbol, "-", " ")
	} else {
		symbol = strings.ReplaceAll(symbol, "-", ".")
	}
	return symbol, flag
}
