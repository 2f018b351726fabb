package payment

import (
	"fmt"
	"math"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Cost struct {
	CurrencyCode   string `json:"currencyCode"`
	AmountSubunits int64  `json:"amountSubunits"`
}

// Major converts the subunit amount using the currency's standard scale.
// Unknown currency codes fall back to a scale of two.
func (c Cost) Major() float64 {
	scale := 2
	if unit, err := currency.ParseISO(c.CurrencyCode); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	return float64(c.AmountSubunits) / math.Pow10(scale)
}

func (c Cost) String() string {
	unit, err := currency.ParseISO(c.CurrencyCode)
	if err != nil {
		return fmt.Sprintf("%s %.2f", c.CurrencyCode, c.Major())
	}
	p := message.NewPrinter(language.English)
	return p.Sprint(currency.ISO(unit.Amount(c.Major())))
}
