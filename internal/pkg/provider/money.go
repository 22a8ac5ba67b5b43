package provider

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies without a minor unit at the card processor.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

func minorUnitExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts 10.50 USD to 1050.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorUnitExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits converts 1050 USD to 10.50.
func FromMinorUnits(v int64, currency string) decimal.Decimal {
	return decimal.New(v, -minorUnitExponent(currency))
}
