package mem

import (
	"fmt"
	"sync/atomic"
)

// Kind is the request/response direction of a fetch on the wire.
type Kind int

const (
	ReadRequest Kind = iota
	WriteRequest
	ReadReply
	WriteAck
)

var kindNames = [...]string{
	"READ_REQUEST",
	"WRITE_REQUEST",
	"READ_REPLY",
	"WRITE_ACK",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "UNKNOWN_TYPE"
	}
	return kindNames[k]
}

// ControlSize is the header size of a request packet in bytes.
const ControlSize = 8

// uidCounter is the process-wide fetch id source. Uids must stay unique and
// monotonic across kernels and GPU instances, so this is the one piece of
// global state in the simulator; everything else receives explicit context.
var uidCounter atomic.Uint64

// Fetch is one in-flight memory transaction.
type Fetch struct {
	uid         uint64
	status      Status
	statusCycle uint64

	// Access is the address footprint. Caches temporarily rewrite its
	// address while the fetch sits in a miss queue.
	Access Access

	// Kind flips from request to response form when the fetch turns
	// around at the component that services it.
	Kind Kind

	CtrlSize uint32
	DataSize uint32

	// Origin identity. Responses are routed back with these.
	ClusterID int
	CoreID    int
	WarpID    int
	KernelID  int

	// Destination memory partition, filled in by address decode.
	ChipID         int
	SubPartitionID int

	// InstUID names the warp instruction that generated the fetch, 0 for
	// fetches with no instruction (memcpy fills, writebacks).
	InstUID uint64

	// Original points at the parent of a sector-split child. The parent
	// completes only when all of its children have completed.
	Original *Fetch

	// OriginalWrite points at the write that triggered a write-allocate
	// read.
	OriginalWrite *Fetch
}

// NewFetch creates a request fetch for the given access. Write accesses
// become WRITE_REQUESTs, everything else READ_REQUESTs.
func NewFetch(acc Access, cycle uint64) *Fetch {
	f := &Fetch{
		uid:            uidCounter.Add(1),
		status:         StatusInitialized,
		statusCycle:    cycle,
		Access:         acc,
		Kind:           ReadRequest,
		CtrlSize:       ControlSize,
		DataSize:       acc.Size,
		ClusterID:      -1,
		CoreID:         -1,
		WarpID:         -1,
		KernelID:       -1,
		ChipID:         -1,
		SubPartitionID: -1,
	}
	if acc.Kind.IsWrite() {
		f.Kind = WriteRequest
	}
	return f
}

// Allocator stamps new fetches with the identity of the component that
// creates them.
type Allocator struct {
	ClusterID int
	CoreID    int
}

// New creates a fetch originating from the allocator's core.
func (a Allocator) New(acc Access, warpID, kernelID int, instUID uint64, cycle uint64) *Fetch {
	f := NewFetch(acc, cycle)
	f.ClusterID = a.ClusterID
	f.CoreID = a.CoreID
	f.WarpID = warpID
	f.KernelID = kernelID
	f.InstUID = instUID
	return f
}

// Child creates a fetch covering part of this fetch's footprint. The child
// gets a fresh uid, inherits the origin and destination identity, and links
// back to this fetch as its parent.
func (f *Fetch) Child(acc Access, cycle uint64) *Fetch {
	c := NewFetch(acc, cycle)
	c.ClusterID = f.ClusterID
	c.CoreID = f.CoreID
	c.WarpID = f.WarpID
	c.KernelID = f.KernelID
	c.ChipID = f.ChipID
	c.SubPartitionID = f.SubPartitionID
	c.InstUID = f.InstUID
	c.Kind = f.Kind
	c.Original = f
	return c
}

// UID returns the process-unique id of the fetch.
func (f *Fetch) UID() uint64 {
	return f.uid
}

// Status returns the current location of the fetch.
func (f *Fetch) Status() Status {
	return f.status
}

// StatusCycle returns the cycle of the last status change.
func (f *Fetch) StatusCycle() uint64 {
	return f.statusCycle
}

// SetStatus records that the fetch moved to a new location.
func (f *Fetch) SetStatus(s Status, cycle uint64) {
	f.status = s
	f.statusCycle = cycle
}

// IsWrite reports whether the fetch carries a write access.
func (f *Fetch) IsWrite() bool {
	return f.Access.Kind.IsWrite()
}

// IsAtomic reports whether the fetch carries an atomic access.
func (f *Fetch) IsAtomic() bool {
	return f.Access.Atomic
}

// IsReply reports whether the fetch is in response form.
func (f *Fetch) IsReply() bool {
	return f.Kind == ReadReply || f.Kind == WriteAck
}

// SetReply turns a request into its response form. Replies stay replies.
// Writeback accesses never turn around, so calling this on one is a
// simulator bug.
func (f *Fetch) SetReply() {
	if f.Access.Kind == L1Writeback || f.Access.Kind == L2Writeback {
		panic(fmt.Sprintf("mem: SetReply on %s fetch %d", f.Access.Kind, f.uid))
	}
	switch f.Kind {
	case ReadRequest:
		f.Kind = ReadReply
	case WriteRequest:
		f.Kind = WriteAck
	}
}

// Size returns the number of bytes the fetch occupies on the wire. Read
// requests and write acks carry only the header; write requests and read
// replies carry the data as well.
func (f *Fetch) Size() uint32 {
	if f.Kind == ReadRequest || f.Kind == WriteAck {
		return f.CtrlSize
	}
	return f.CtrlSize + f.DataSize
}

// Flits returns the number of flits the fetch occupies in the interconnect.
func (f *Fetch) Flits(flitSize uint32) int {
	if flitSize == 0 {
		return 1
	}
	return int((f.Size() + flitSize - 1) / flitSize)
}

func (f *Fetch) String() string {
	return fmt.Sprintf("mf[%d] %s %s 0x%x (%dB) %s",
		f.uid, f.Kind, f.Access.Kind, f.Access.Addr, f.Size(), f.status)
}
