// Package phone normalises raw recipient values to E.164 using the
// contact's country as the parsing region.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidNumber = errors.New("invalid mobile number")

// Common country names the marketing platform sends on contact records.
// Two-letter values pass through as ISO region codes.
var countryRegions = map[string]string{
	"australia":      "AU",
	"new zealand":    "NZ",
	"united states":  "US",
	"united kingdom": "GB",
	"canada":         "CA",
	"singapore":      "SG",
	"philippines":    "PH",
	"india":          "IN",
	"ireland":        "IE",
	"germany":        "DE",
	"france":         "FR",
}

// Region resolves a country value to an ISO 3166 region code. Empty when
// unknown.
func Region(country string) string {
	c := strings.TrimSpace(country)
	if len(c) == 2 {
		return strings.ToUpper(c)
	}
	return countryRegions[strings.ToLower(c)]
}

// Normalize parses a raw number against the given country and returns it
// in E.164. Numbers already carrying a + prefix ignore the country.
func Normalize(raw, country string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidNumber
	}

	region := ""
	if !strings.HasPrefix(raw, "+") {
		region = Region(country)
		if region == "" {
			return "", errors.New("unknown country for non-international number")
		}
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", ErrInvalidNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidNumber
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
