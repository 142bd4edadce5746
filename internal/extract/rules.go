package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stay-ledger/backend/internal/guest"
)

// Guest count tiers.
const (
	countPartial = 1
	countTotal   = 2
)

// Date tiers.
const (
	datesInferredYear = 1
	datesExplicitYear = 2
)

const (
	minGuests = 1
	maxGuests = 50
)

// PlatformRules detect the platform that sent a message. They run over the
// sender, subject and body joined together.
var PlatformRules = Cascade[string]{
	platformRule("airbnb", guest.PlatformAirbnb, `(?i)\bairbnb\b`),
	platformRule("vrbo", guest.PlatformVrbo, `(?i)\b(?:vrbo|homeaway)\b`),
	platformRule("booking.com", guest.PlatformBookingCom, `(?i)\bbooking\.com\b`),
}

func platformRule(name, platform, pattern string) Rule[string] {
	return Rule[string]{
		Name:    name,
		Pattern: regexp.MustCompile(pattern),
		Extract: func([]string, Input) (string, int, bool) {
			return platform, 1, true
		},
	}
}

// GuestCountRules are tried in this exact order. Rules naming the whole party
// rank above rules that may only count part of it.
var GuestCountRules = Cascade[int]{
	countRule("guests label", `(?i)\bguests?\s*:\s*(\d{1,3})\b`, countTotal),
	countRule("n guests", `(?i)\b(\d{1,3})\s+guests?\b`, countTotal),
	countRule("party size", `(?i)\bparty\s+size\s*:\s*(\d{1,3})\b`, countTotal),
	countRule("number of guests", `(?i)\bnumber\s+of\s+guests\s*:\s*(\d{1,3})\b`, countTotal),
	countRule("adults label", `(?i)\badults?\s*:\s*(\d{1,3})\b`, countPartial),
	countRule("travelers label", `(?i)\btravell?ers?\s*:\s*(\d{1,3})\b`, countPartial),
	countRule("n adults", `(?i)\b(\d{1,3})\s+adults?\b`, countPartial),
	countRule("occupancy", `(?i)\boccupancy\s*:\s*(\d{1,3})\b`, countPartial),
}

func countRule(name, pattern string, tier int) Rule[int] {
	return Rule[int]{
		Name:    name,
		Pattern: regexp.MustCompile(pattern),
		Extract: func(m []string, _ Input) (int, int, bool) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < minGuests || n > maxGuests {
				return 0, 0, false
			}
			return n, tier, true
		},
	}
}

// nameToken matches one capitalised word or initial. Separators are limited
// to spaces and tabs so a name never spans lines.
const nameToken = `\p{Lu}[\p{L}'’\-]*\.?`

const namePattern = `(` + nameToken + `(?:[ \t]+` + nameToken + `){0,3})`

// GuestNameRules list platform wording first, then generic labels.
var GuestNameRules = Cascade[string]{
	nameRule("airbnb confirmed arrives", guest.PlatformAirbnb,
		`(?i:reservation confirmed)\s*[-–—:]\s*`+namePattern+`[ \t]+(?i:arrives)\b`),
	nameRule("airbnb arrives", guest.PlatformAirbnb,
		namePattern+`[ \t]+(?i:arrives)\b`),
	nameRule("vrbo traveler name", guest.PlatformVrbo,
		`(?i:travell?er(?:'s)?\s+name)\s*:\s*`+namePattern),
	nameRule("booking.com booker name", guest.PlatformBookingCom,
		`(?i:booker(?:'s)?\s+name)\s*:\s*`+namePattern),
	nameRule("booking.com guest name", guest.PlatformBookingCom,
		`(?i:guest(?:'s)?\s+name)\s*:\s*`+namePattern),
	nameRule("guest name label", "",
		`(?i:guest(?:'s)?\s+name)\s*:\s*`+namePattern),
	nameRule("guest label", "",
		`(?i:\bguest)\s*:\s*`+namePattern),
	nameRule("reservation for", "",
		`(?i:reservation\s+for)\s+`+namePattern),
	nameRule("booked by", "",
		`(?i:booked\s+by)\s+`+namePattern),
}

// labelWords end a captured name when the text runs on into the next label.
var labelWords = map[string]bool{
	"arrives": true, "check-in": true, "check-out": true, "checkin": true, "checkout": true,
	"guests": true, "guest": true, "dates": true, "reservation": true, "booking": true,
	"arrival": true, "departure": true, "adults": true, "phone": true, "email": true,
	"confirmation": true, "code": true, "total": true, "from": true, "to": true,
}

func nameRule(name, platform, pattern string) Rule[string] {
	return Rule[string]{
		Name:     name,
		Platform: platform,
		Pattern:  regexp.MustCompile(pattern),
		Extract: func(m []string, _ Input) (string, int, bool) {
			n := cleanName(m[1])
			if guest.IsPlaceholder(n) {
				return "", 0, false
			}
			return n, guest.Quality(n), true
		},
	}
}

func cleanName(raw string) string {
	fields := strings.Fields(raw)
	for i, f := range fields {
		if labelWords[strings.ToLower(strings.Trim(f, ".:"))] {
			fields = fields[:i]
			break
		}
	}
	return strings.TrimRight(strings.Join(fields, " "), " -")
}

// StayDates is an extracted check-in/check-out pair.
type StayDates struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// Date fragments. Every pattern using them is compiled case-insensitive.
const (
	weekday   = `(?:(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?,?\s+)?`
	isoDate   = `(\d{4}-\d{2}-\d{2})`
	monthDate = `(` + weekday + `(?:[a-z]{3,9}\.?\s+\d{1,2}(?:st|nd|rd|th)?|\d{1,2}(?:st|nd|rd|th)?\s+[a-z]{3,9}\.?)(?:,?\s+\d{4})?)`
	anyDate   = `(` + weekday + `(?:\d{4}-\d{2}-\d{2}|[a-z]{3,9}\.?\s+\d{1,2}(?:st|nd|rd|th)?|\d{1,2}(?:st|nd|rd|th)?\s+[a-z]{3,9}\.?)(?:,?\s+\d{4})?)`
	labelSep  = `(?:\s+date)?\s*[:\-–]?\s*`
	checkIn   = `check[\s-]?in` + labelSep
	checkOut  = `check[\s-]?out` + labelSep
)

// StayDateRules extract the stay as a pair; a rule never yields one date alone.
var StayDateRules = Cascade[StayDates]{
	pairRule("labelled iso dates", `(?is)`+checkIn+isoDate+`.*?`+checkOut+isoDate),
	pairRule("labelled month dates", `(?is)`+checkIn+monthDate+`.*?`+checkOut+monthDate),
	pairRule("arrival departure", `(?is)arriv(?:al|es|e|ing)`+labelSep+anyDate+`.*?depart(?:ure|s|ing)?`+labelSep+anyDate),
	{
		Name:    "month range",
		Pattern: regexp.MustCompile(`(?i)\b([a-z]{3,9})\.?\s+(\d{1,2})\s*[-–—]\s*(?:([a-z]{3,9})\.?\s+)?(\d{1,2})(?:,?\s+(\d{4}))?\b`),
		Extract: extractRange,
	},
}

func pairRule(name, pattern string) Rule[StayDates] {
	return Rule[StayDates]{
		Name:    name,
		Pattern: regexp.MustCompile(pattern),
		Extract: func(m []string, in Input) (StayDates, int, bool) {
			in1, explicit1, ok := parseDate(m[1], time.Time{}, in.ReceivedAt)
			if !ok {
				return StayDates{}, 0, false
			}
			out, _, ok := parseDate(m[2], in1, in.ReceivedAt)
			if !ok {
				return StayDates{}, 0, false
			}
			return stay(in1, out, explicit1)
		},
	}
}

func extractRange(m []string, in Input) (StayDates, int, bool) {
	startMonth, ok := monthNumber(m[1])
	if !ok {
		return StayDates{}, 0, false
	}
	endMonth := startMonth
	if m[3] != "" {
		if endMonth, ok = monthNumber(m[3]); !ok {
			return StayDates{}, 0, false
		}
	}
	startDay, _ := strconv.Atoi(m[2])
	endDay, _ := strconv.Atoi(m[4])

	explicit := m[5] != ""
	var start time.Time
	if explicit {
		year, _ := strconv.Atoi(m[5])
		start, ok = makeDate(year, startMonth, startDay)
	} else {
		start, ok = inferYear(startMonth, startDay, in.ReceivedAt)
	}
	if !ok {
		return StayDates{}, 0, false
	}

	end, ok := makeDate(start.Year(), endMonth, endDay)
	if !ok {
		return StayDates{}, 0, false
	}
	if !end.After(start) {
		end = end.AddDate(1, 0, 0)
	}
	return stay(start, end, explicit)
}

func stay(in, out time.Time, explicit bool) (StayDates, int, bool) {
	if !out.After(in) || out.Sub(in) > 366*24*time.Hour {
		return StayDates{}, 0, false
	}
	tier := datesInferredYear
	if explicit {
		tier = datesExplicitYear
	}
	return StayDates{CheckIn: in, CheckOut: out}, tier, true
}

var (
	isoToken      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	monthDayToken = regexp.MustCompile(`(?i)^([a-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?$`)
	dayMonthToken = regexp.MustCompile(`(?i)^(\d{1,2})(?:st|nd|rd|th)?\s+([a-z]{3,9})\.?(?:,?\s+(\d{4}))?$`)
	weekdayPrefix = regexp.MustCompile(`(?i)^` + weekday)
)

// parseDate reads one date token. A token without a year takes it from
// after (the check-in it follows) when set, otherwise from the message's
// received date.
func parseDate(token string, after, received time.Time) (time.Time, bool, bool) {
	token = strings.TrimSpace(weekdayPrefix.ReplaceAllString(strings.TrimSpace(token), ""))

	if m := isoToken.FindStringSubmatch(token); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		t, ok := makeDate(y, time.Month(mo), d)
		return t, true, ok
	}

	var monthName, dayText, yearText string
	if m := monthDayToken.FindStringSubmatch(token); m != nil {
		monthName, dayText, yearText = m[1], m[2], m[3]
	} else if m := dayMonthToken.FindStringSubmatch(token); m != nil {
		dayText, monthName, yearText = m[1], m[2], m[3]
	} else {
		return time.Time{}, false, false
	}

	month, ok := monthNumber(monthName)
	if !ok {
		return time.Time{}, false, false
	}
	day, _ := strconv.Atoi(dayText)

	if yearText != "" {
		year, _ := strconv.Atoi(yearText)
		t, ok := makeDate(year, month, day)
		return t, true, ok
	}

	if !after.IsZero() {
		t, ok := makeDate(after.Year(), month, day)
		if ok && !t.After(after) {
			t = t.AddDate(1, 0, 0)
		}
		return t, false, ok
	}

	t, ok := inferYear(month, day, received)
	return t, false, ok
}

// inferYear places a yearless date in the year the message arrived, or in
// the following year when that would put it more than 60 days in the past.
func inferYear(month time.Month, day int, received time.Time) (time.Time, bool) {
	if received.IsZero() {
		received = time.Now()
	}
	t, ok := makeDate(received.Year(), month, day)
	if !ok {
		return time.Time{}, false
	}
	ref := time.Date(received.Year(), received.Month(), received.Day(), 0, 0, 0, 0, time.UTC)
	if t.Before(ref.AddDate(0, 0, -60)) {
		t = t.AddDate(1, 0, 0)
	}
	return t, true
}

func makeDate(year int, month time.Month, day int) (time.Time, bool) {
	if year < 2000 || year > 2100 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// Reject overflow such as Feb 30.
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

func monthNumber(name string) (time.Month, bool) {
	n := strings.ToLower(strings.TrimSuffix(name, "."))
	if m, ok := months[n]; ok {
		return m, true
	}
	if len(n) < 3 {
		return 0, false
	}
	m, ok := months[n[:3]]
	if !ok {
		return 0, false
	}
	// Full names must actually spell the month ("march", not "marble").
	full := strings.ToLower(m.String())
	if !strings.HasPrefix(full, n) {
		return 0, false
	}
	return m, true
}
