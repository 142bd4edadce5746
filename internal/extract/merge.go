package extract

import (
	"github.com/stay-ledger/backend/internal/storage/models"
)

// mergeField is the backfill rule for one field. The incoming value wins
// when the stored one is empty, or when both are set and the incoming
// confidence is strictly higher. An empty incoming value never wins.
func mergeField[T comparable](old T, oldConf int, next T, nextConf int) (T, int, bool) {
	var zero T
	switch {
	case next == zero:
		return old, oldConf, false
	case old == zero:
		return next, nextConf, true
	case nextConf > oldConf:
		return next, nextConf, next != old || nextConf != oldConf
	default:
		return old, oldConf, false
	}
}

type datePair struct {
	in, out string
}

// MergeFact backfills a stored fact with a fresh extraction of the same
// message. It reports whether anything changed. Stay dates merge as a pair
// so a fact never mixes the check-in of one reading with the check-out of another.
func MergeFact(existing, extracted models.ReservationFact) (models.ReservationFact, bool) {
	merged := existing
	var changed, c bool

	merged.GuestName, merged.NameConfidence, c = mergeField(
		existing.GuestName, existing.NameConfidence, extracted.GuestName, extracted.NameConfidence)
	changed = changed || c

	merged.GuestCount, merged.CountConfidence, c = mergeField(
		existing.GuestCount, existing.CountConfidence, extracted.GuestCount, extracted.CountConfidence)
	changed = changed || c

	merged.Platform, merged.PlatformConfidence, c = mergeField(
		existing.Platform, existing.PlatformConfidence, extracted.Platform, extracted.PlatformConfidence)
	changed = changed || c

	var dates datePair
	oldDates := datePair{existing.CheckIn, existing.CheckOut}
	newDates := datePair{extracted.CheckIn, extracted.CheckOut}
	if !existing.HasDates() {
		oldDates = datePair{}
	}
	if !extracted.HasDates() {
		newDates = datePair{}
	}
	dates, merged.DatesConfidence, c = mergeField(oldDates, existing.DatesConfidence, newDates, extracted.DatesConfidence)
	if dates != (datePair{}) {
		merged.CheckIn, merged.CheckOut = dates.in, dates.out
	}
	changed = changed || c

	if merged.PropertyID == nil && extracted.PropertyID != nil {
		merged.PropertyID = extracted.PropertyID
		changed = true
	}

	return merged, changed
}
