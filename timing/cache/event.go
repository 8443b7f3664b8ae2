package cache

// EventKind names a side effect of a cache access.
type EventKind int

const (
	// EventWriteRequestSent says the access queued a write toward the
	// next level.
	EventWriteRequestSent EventKind = iota

	// EventReadRequestSent says the access queued a read toward the next
	// level.
	EventReadRequestSent

	// EventWriteBackRequestSent says the access displaced a dirty line
	// and queued its writeback.
	EventWriteBackRequestSent

	// EventWriteAllocateSent says a write miss queued the line read that
	// allocates it.
	EventWriteAllocateSent
)

var eventKindNames = [...]string{
	"WRITE_REQUEST_SENT",
	"READ_REQUEST_SENT",
	"WRITE_BACK_REQUEST_SENT",
	"WRITE_ALLOCATE_SENT",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "UNKNOWN_EVENT"
	}
	return eventKindNames[k]
}

// Event reports one side effect of an Access call. The LDST unit inspects
// the events to tell whether an instruction's traffic actually left the
// cache this cycle.
type Event struct {
	Kind EventKind

	// WritebackSize is the number of modified bytes leaving with an
	// EventWriteBackRequestSent.
	WritebackSize uint32
}

// WasWriteSent reports whether the events carry a queued write.
func WasWriteSent(events []Event) bool {
	return hasEvent(events, EventWriteRequestSent)
}

// WasReadSent reports whether the events carry a queued read.
func WasReadSent(events []Event) bool {
	return hasEvent(events, EventReadRequestSent)
}

// WasWriteAllocateSent reports whether the events carry a write-allocate
// read.
func WasWriteAllocateSent(events []Event) bool {
	return hasEvent(events, EventWriteAllocateSent)
}

// WasWritebackSent reports whether the events carry a writeback.
func WasWritebackSent(events []Event) bool {
	_, ok := writebackSent(events)
	return ok
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func writebackSent(events []Event) (Event, bool) {
	for _, e := range events {
		if e.Kind == EventWriteBackRequestSent {
			return e, true
		}
	}
	return Event{}, false
}
