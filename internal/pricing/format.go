package pricing

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var inrPrinter = message.NewPrinter(language.MustParse("en-IN"))

// FormatINR renders paise as rupees with Indian digit grouping,
// e.g. 10000050 -> "₹1,00,000.50".
func FormatINR(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return sign + "₹" + inrPrinter.Sprintf("%v", number.Decimal(float64(paise)/100, number.Scale(2)))
}
