package utils

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	numberRe = regexp.MustCompile(`\d[\d.,]*`)
	digitsRe = regexp.MustCompile(`\d[\d,]*`)
)

// ParsePrice extracts the first amount from a scraped price string such as
// "$1,299.99", "₹ 45,999" or "EUR 12,50". A trailing group of exactly two
// digits after a comma is taken as the decimal part.
func ParsePrice(priceStr string) (decimal.Decimal, bool) {
	match := numberRe.FindString(strings.TrimSpace(priceStr))
	if match == "" {
		return decimal.Zero, false
	}
	match = strings.TrimRight(match, ".,")

	lastComma := strings.LastIndex(match, ",")
	lastDot := strings.LastIndex(match, ".")
	switch {
	case lastComma > lastDot && len(match)-lastComma-1 == 2:
		// "12,50" or "1.234,50"
		match = strings.ReplaceAll(match[:lastComma], ".", "") + "." + match[lastComma+1:]
	default:
		match = strings.ReplaceAll(match, ",", "")
	}

	price, err := decimal.NewFromString(match)
	if err != nil || price.IsNegative() {
		return decimal.Zero, false
	}
	return price, true
}

// ParseRating extracts a rating, e.g. "4.5 out of 5 stars" -> 4.5.
func ParseRating(ratingStr string) (float64, bool) {
	match := numberRe.FindString(ratingStr)
	match = strings.TrimRight(strings.ReplaceAll(match, ",", "."), ".")
	if match == "" {
		return 0, false
	}
	rating, err := strconv.ParseFloat(match, 64)
	if err != nil || rating < 0 || rating > 5 {
		return 0, false
	}
	return rating, true
}

// ParseCount extracts an integer count, e.g. "(12,345 reviews)" -> 12345.
func ParseCount(countStr string) (int, bool) {
	match := strings.ReplaceAll(digitsRe.FindString(countStr), ",", "")
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return n, true
}
