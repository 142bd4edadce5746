// Package guest holds guest-identity rules used by both calendar
// reconciliation and email enrichment.
package guest

import (
	"net/url"
	"regexp"
	"strings"
)

// Placeholder names produced from feed summaries that carry no guest identity.
const (
	PlaceholderReserved = "Reserved"
	PlaceholderBlocked  = "Blocked"
)

// Platform tags. They double as booking source types.
const (
	PlatformAirbnb     = "airbnb"
	PlatformVrbo       = "vrbo"
	PlatformBookingCom = "booking_com"
	PlatformICal       = "ical"
	PlatformUnknown    = ""
)

// Quality tiers of a guest name, lowest first.
const (
	QualityEmpty = iota
	QualityPlaceholder
	QualitySingleToken
	QualityFullName
)

var placeholderWords = []string{
	"reserved",
	"blocked",
	"not available",
	"unavailable",
	"airbnb (not available)",
	"closed",
	"guest",
	"booking",
	"reservation",
}

var platformPrefix = regexp.MustCompile(`(?i)^\s*(airbnb|vrbo|homeaway|booking\.com|booking)\s*[:\-–]\s*`)

// FromSummary derives a provisional guest name from a calendar event summary.
func FromSummary(summary string) string {
	s := strings.TrimSpace(summary)
	lower := strings.ToLower(s)

	switch {
	case strings.Contains(lower, "reserved"):
		return PlaceholderReserved
	case strings.Contains(lower, "blocked"), strings.Contains(lower, "not available"):
		return PlaceholderBlocked
	}

	return strings.TrimSpace(platformPrefix.ReplaceAllString(s, ""))
}

// IsPlaceholder reports whether a name carries no real guest identity.
// The empty name counts as a placeholder.
func IsPlaceholder(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return true
	}
	for _, w := range placeholderWords {
		if n == w {
			return true
		}
	}
	return strings.Contains(n, "reserved") || strings.Contains(n, "blocked") || strings.Contains(n, "not available")
}

// Quality ranks a guest name so that sources can be compared without
// ad hoc string checks.
func Quality(name string) int {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return QualityEmpty
	case IsPlaceholder(n):
		return QualityPlaceholder
	}

	tokens := 0
	for _, f := range strings.Fields(n) {
		// "J." style initials count as a token; lone punctuation does not.
		if strings.Trim(f, ".,-'") != "" {
			tokens++
		}
	}
	if tokens >= 2 {
		return QualityFullName
	}
	return QualitySingleToken
}

// PlatformFromURL guesses the publishing platform of a feed from its host.
func PlatformFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PlatformICal
	}
	return platformFromText(strings.ToLower(u.Host), PlatformICal)
}

// PlatformFromText detects a platform mentioned in free text such as a
// sender address or subject line. It returns PlatformUnknown when none is found.
func PlatformFromText(text string) string {
	return platformFromText(strings.ToLower(text), PlatformUnknown)
}

func platformFromText(lower, fallback string) string {
	switch {
	case strings.Contains(lower, "airbnb"):
		return PlatformAirbnb
	case strings.Contains(lower, "vrbo"), strings.Contains(lower, "homeaway"):
		return PlatformVrbo
	case strings.Contains(lower, "booking.com"), strings.Contains(lower, "booking_com"):
		return PlatformBookingCom
	default:
		return fallback
	}
}
