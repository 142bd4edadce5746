// Package extract turns confirmation emails into reservation facts.
package extract

import (
	"strings"

	"github.com/stay-ledger/backend/internal/storage/models"
)

// Extraction is what one message yielded. Fields that could not be
// extracted are left at their zero value with zero confidence.
type Extraction struct {
	Platform           string
	PlatformConfidence int
	GuestName          string
	NameConfidence     int
	GuestCount         int
	CountConfidence    int
	CheckIn            string
	CheckOut           string
	DatesConfidence    int
	// Rules names the rule that produced each field, for logging.
	Rules map[string]string
}

// Empty reports whether nothing about a stay was found.
func (x Extraction) Empty() bool {
	return x.GuestName == "" && x.GuestCount == 0 && x.CheckIn == ""
}

// Extractor runs the rule cascades over a message.
type Extractor struct {
	platform Cascade[string]
	names    Cascade[string]
	counts   Cascade[int]
	dates    Cascade[StayDates]
}

// New creates an extractor with the built-in cascades.
func New() *Extractor {
	return &Extractor{
		platform: PlatformRules,
		names:    GuestNameRules,
		counts:   GuestCountRules,
		dates:    StayDateRules,
	}
}

// Extract reads one message. It never fails: a field the cascades cannot
// find is simply missing from the result.
func (e *Extractor) Extract(msg models.MailMessage) Extraction {
	body := PlainText(msg.Body)
	text := msg.Subject + "\n" + body

	x := Extraction{Rules: make(map[string]string)}
	in := Input{ReceivedAt: msg.ReceivedAt}

	if r := e.platform.Run(strings.Join([]string{msg.Sender, msg.Subject, body}, "\n"), in); r.OK {
		x.Platform, x.PlatformConfidence = r.Value, r.Confidence
		x.Rules["platform"] = r.Rule
		in.Platform = r.Value
	}
	if r := e.names.Run(text, in); r.OK {
		x.GuestName, x.NameConfidence = r.Value, r.Confidence
		x.Rules["guest_name"] = r.Rule
	}
	if r := e.counts.Run(text, in); r.OK {
		x.GuestCount, x.CountConfidence = r.Value, r.Confidence
		x.Rules["guest_count"] = r.Rule
	}
	if r := e.dates.Run(text, in); r.OK {
		x.CheckIn = r.Value.CheckIn.Format(models.FactDateLayout)
		x.CheckOut = r.Value.CheckOut.Format(models.FactDateLayout)
		x.DatesConfidence = r.Confidence
		x.Rules["dates"] = r.Rule
	}

	return x
}

// Fact converts the extraction into a reservation fact for a message.
func (x Extraction) Fact(connectionID string, propertyID *string, messageRef string) models.ReservationFact {
	return models.ReservationFact{
		ConnectionID:       connectionID,
		PropertyID:         propertyID,
		MessageRef:         messageRef,
		Platform:           x.Platform,
		CheckIn:            x.CheckIn,
		CheckOut:           x.CheckOut,
		GuestName:          x.GuestName,
		GuestCount:         x.GuestCount,
		NameConfidence:     x.NameConfidence,
		CountConfidence:    x.CountConfidence,
		DatesConfidence:    x.DatesConfidence,
		PlatformConfidence: x.PlatformConfidence,
	}
}
