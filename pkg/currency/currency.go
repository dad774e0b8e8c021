// Package currency formats market prices for alert messages.
// Amounts are decimal.Decimal throughout; floats never touch a price.
package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code.
type Currency string

// Currencies quoted by the regional market feeds.
const (
	LKR Currency = "LKR" // Sri Lankan Rupee
	INR Currency = "INR" // Indian Rupee
	PKR Currency = "PKR" // Pakistani Rupee
	BDT Currency = "BDT" // Bangladeshi Taka
	NPR Currency = "NPR" // Nepalese Rupee
	USD Currency = "USD" // US Dollar
)

// DefaultCurrency is used when a price point carries no currency.
const DefaultCurrency = LKR

// CurrencyInfo contains display metadata about a currency.
type CurrencyInfo struct {
	Code          Currency
	Name          string
	Symbol        string
	DecimalPlaces int
	ThousandsSep  string
	DecimalSep    string
}

var currencies = map[Currency]CurrencyInfo{
	LKR: {Code: LKR, Name: "Sri Lankan Rupee", Symbol: "Rs.", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
	INR: {Code: INR, Name: "Indian Rupee", Symbol: "₹", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
	PKR: {Code: PKR, Name: "Pakistani Rupee", Symbol: "Rs", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
	BDT: {Code: BDT, Name: "Bangladeshi Taka", Symbol: "৳", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
	NPR: {Code: NPR, Name: "Nepalese Rupee", Symbol: "Rs", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
	USD: {Code: USD, Name: "US Dollar", Symbol: "$", DecimalPlaces: 2, ThousandsSep: ",", DecimalSep: "."},
}

// SupportedCurrencies returns all supported currency codes.
func SupportedCurrencies() []Currency {
	return []Currency{LKR, INR, PKR, BDT, NPR, USD}
}

// SupportedList joins the supported codes for error messages.
func SupportedList() string {
	codes := make([]string, 0, len(currencies))
	for _, c := range SupportedCurrencies() {
		codes = append(codes, string(c))
	}
	return strings.Join(codes, ", ")
}

// IsValid checks if a currency code is supported. Codes are case-sensitive.
func IsValid(code string) bool {
	_, ok := currencies[Currency(code)]
	return ok
}

// GetInfo returns metadata for a currency code.
func GetInfo(code Currency) (CurrencyInfo, bool) {
	info, ok := currencies[code]
	return info, ok
}

// Money is a price with its currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// NewMoney creates a Money value, defaulting the currency.
func NewMoney(amount decimal.Decimal, curr Currency) Money {
	if curr == "" {
		curr = DefaultCurrency
	}
	return Money{Amount: amount, Currency: curr}
}

// Format renders the amount with the currency symbol and grouped thousands,
// e.g. "Rs. 1,250.00". Unknown codes render as "1250.00 XYZ".
func (m Money) Format() string {
	info, ok := GetInfo(m.Currency)
	if !ok {
		return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), m.Currency)
	}
	return info.Symbol + " " + group(m.Amount.StringFixed(int32(info.DecimalPlaces)), info.ThousandsSep, info.DecimalSep)
}

// String returns the rounded amount without symbol.
func (m Money) String() string {
	info, ok := GetInfo(m.Currency)
	if !ok {
		return m.Amount.String()
	}
	return m.Amount.StringFixed(int32(info.DecimalPlaces))
}

// FormatPrice is a shortcut for NewMoney(amount, Currency(code)).Format().
func FormatPrice(amount decimal.Decimal, code string) string {
	return NewMoney(amount, Currency(code)).Format()
}

// FormatPercent renders a signed percentage with two decimals, e.g. "+12.50%".
func FormatPercent(pct decimal.Decimal) string {
	s := pct.StringFixed(2)
	if pct.IsPositive() {
		s = "+" + s
	}
	return s + "%"
}

func group(fixed, thousandsSep, decimalSep string) string {
	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart, fracPart, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteString(thousandsSep)
		}
		b.WriteRune(r)
	}

	out := b.String()
	if hasFrac {
		out += decimalSep + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
