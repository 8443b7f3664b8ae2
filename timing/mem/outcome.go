package mem

import "fmt"

// RequestStatus is the outcome of probing or accessing a cache.
type RequestStatus int

const (
	// Hit found the line (or all requested sectors) valid.
	Hit RequestStatus = iota

	// HitReserved found the line reserved by an outstanding fill.
	HitReserved

	// Miss requires a fill from the next level.
	Miss

	// ReservationFailure could not take the access this cycle; the
	// access must retry.
	ReservationFailure

	// SectorMiss found the line but not the requested sector.
	SectorMiss

	// MSHRHit merged into an outstanding miss for the same line.
	MSHRHit

	// NumRequestStatuses counts the status values.
	NumRequestStatuses
)

var requestStatusNames = [NumRequestStatuses]string{
	"HIT",
	"HIT_RESERVED",
	"MISS",
	"RESERVATION_FAILURE",
	"SECTOR_MISS",
	"MSHR_HIT",
}

func (s RequestStatus) String() string {
	if s < 0 || s >= NumRequestStatuses {
		return fmt.Sprintf("RequestStatus(%d)", int(s))
	}
	return requestStatusNames[s]
}

// FailureReason is the detailed reason a cache rejected an access this
// cycle.
type FailureReason int

const (
	// LineAllocFail means no way could be reserved in the set.
	LineAllocFail FailureReason = iota

	// MissQueueFull means the miss queue had no room.
	MissQueueFull

	// MSHREntryFail means the MSHR had no free entry.
	MSHREntryFail

	// MSHRMergeEntryFail means the merge list of the entry was full.
	MSHRMergeEntryFail

	// MSHRRWPendingFail means a read and write to the same line were
	// simultaneously pending.
	MSHRRWPendingFail

	// NumFailureReasons counts the failure reasons.
	NumFailureReasons
)

// Names keep the historical spellings of the reason strings.
var failureReasonNames = [NumFailureReasons]string{
	"LINE_ALLOC_FAIL",
	"MISS_QUEUE_FULL",
	"MSHR_ENRTY_FAIL",
	"MSHR_MERGE_ENRTY_FAIL",
	"MSHR_RW_PENDING",
}

func (f FailureReason) String() string {
	if f < 0 || f >= NumFailureReasons {
		return fmt.Sprintf("FailureReason(%d)", int(f))
	}
	return failureReasonNames[f]
}
