package custody

import "time"

// EndTime computes the custody deadline from the funding instant. The result
// is persisted exactly once; every later read derives from the stored value.
func EndTime(fundedAt time.Time, periodDays int) time.Time {
	return fundedAt.Add(time.Duration(periodDays) * 24 * time.Hour)
}

// Expired reports whether the custody window has closed at the given instant.
func Expired(custodyEnd, now time.Time) bool {
	return !now.Before(custodyEnd)
}

// Remaining returns the time left in custody, never negative.
func Remaining(custodyEnd, now time.Time) time.Duration {
	if Expired(custodyEnd, now) {
		return 0
	}
	return custodyEnd.Sub(now)
}

// AutoReleaseEligible reports whether funds may release without approvals:
// the window has closed and no dispute is pending or sustained.
func AutoReleaseEligible(custodyEnd time.Time, ds DisputeStatus, now time.Time) bool {
	return Expired(custodyEnd, now) && (ds == DisputeNone || ds == DisputeDismissed)
}

// LateDisputeAllowed reports whether a dispute may still open after the
// window closed. Silence is not consent: a payment the parties never both
// approved stays contestable even past the deadline, including after an
// earlier dispute ended rejected or dismissed.
func LateDisputeAllowed(custodyEnd time.Time, ds DisputeStatus, bothApproved bool, now time.Time) bool {
	if !Expired(custodyEnd, now) {
		return false
	}
	return !bothApproved && ds != DisputePending && ds != DisputeApproved
}
