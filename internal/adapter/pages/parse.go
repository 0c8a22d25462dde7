package pages

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var priceRe = regexp.MustCompile(`([0-9]+(?:[.,][0-9]{1,2})?)`)

// currencySymbols maps the symbols the storefront renders to ISO 4217 codes.
var currencySymbols = map[string]string{
	"£": "GBP",
	"$": "USD",
	"€": "EUR",
	"¥": "JPY",
}

// parsePrice extracts an amount and currency code from rendered price text
// like "£51.77". Unknown symbols yield an empty currency so the writer's
// default applies.
func parsePrice(text string) (*float64, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ""
	}
	currency := ""
	for sym, code := range currencySymbols {
		if strings.Contains(text, sym) {
			currency = code
			break
		}
	}
	m := priceRe.FindString(text)
	if m == "" {
		return nil, currency
	}
	m = strings.ReplaceAll(m, ",", ".")
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 {
		return nil, currency
	}
	return &v, currency
}

// absURL resolves href against base and returns an absolute URL, or "" when
// the reference is unusable.
func absURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// cleanText collapses runs of whitespace into single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
