package rules

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// FormatAmount renders a minor-unit amount as "1,250.00 USD".
func FormatAmount(minor int64, currency string) string {
	cur := strings.ToLower(currency)
	if zeroDecimal[cur] {
		return humanize.Comma(minor) + " " + strings.ToUpper(cur)
	}

	major := decimal.New(minor, -2)
	whole := major.IntPart()
	cents := major.Sub(decimal.NewFromInt(whole)).Abs().StringFixed(2)

	// cents is "0.xx"
	return humanize.Comma(whole) + cents[1:] + " " + strings.ToUpper(cur)
}

// currencyCountry is a best-effort guess of the bank country behind a
// payout currency. Shared currencies such as EUR have no entry.
var currencyCountry = map[string]string{
	"aud": "AU", "brl": "BR", "cad": "CA", "chf": "CH", "czk": "CZ",
	"dkk": "DK", "gbp": "GB", "hkd": "HK", "inr": "IN", "jpy": "JP",
	"mxn": "MX", "nok": "NO", "nzd": "NZ", "pln": "PL", "sek": "SE",
	"sgd": "SG", "usd": "US",
}

// BankCountry returns the payout's bank country from its destination, else
// derived from its currency. It returns "" when neither is known.
func BankCountry(p *domain.PayoutPayload) string {
	if p.Destination != nil && p.Destination.Country != "" {
		return strings.ToUpper(p.Destination.Country)
	}
	return currencyCountry[strings.ToLower(p.Currency)]
}
