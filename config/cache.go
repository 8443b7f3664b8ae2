package config

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// SectorSize is the size of one cache sector in bytes. Sectored caches
// track validity and dirtiness at this granularity.
const SectorSize = 32

// SectorsPerLine is the number of sectors in a 128-byte cache line.
const SectorsPerLine = 4

// CacheKind selects between whole-line and sectored tag tracking.
type CacheKind int

const (
	// CacheNormal tracks state per cache line.
	CacheNormal CacheKind = iota

	// CacheSector tracks state per 32-byte sector within a line.
	CacheSector
)

func (k CacheKind) String() string {
	switch k {
	case CacheNormal:
		return "NORMAL"
	case CacheSector:
		return "SECTOR"
	default:
		return fmt.Sprintf("CacheKind(%d)", int(k))
	}
}

// ReplacementPolicy selects the victim when a set is full.
type ReplacementPolicy int

const (
	// ReplaceLRU evicts the least recently used way.
	ReplaceLRU ReplacementPolicy = iota

	// ReplaceFIFO evicts the oldest allocated way.
	ReplaceFIFO
)

func (p ReplacementPolicy) String() string {
	switch p {
	case ReplaceLRU:
		return "LRU"
	case ReplaceFIFO:
		return "FIFO"
	default:
		return fmt.Sprintf("ReplacementPolicy(%d)", int(p))
	}
}

// WritePolicy controls how writes interact with the cache array.
type WritePolicy int

const (
	// WriteReadOnly marks a cache that never observes writes (L1I).
	WriteReadOnly WritePolicy = iota

	// WriteBack marks dirty lines and writes them out on eviction.
	WriteBack

	// WriteThrough forwards every write to the next level while also
	// updating the local line.
	WriteThrough

	// WriteEvict invalidates the line on write and forwards the write.
	WriteEvict

	// WriteLocalWBGlobalWT writes back local accesses and writes through
	// global accesses.
	WriteLocalWBGlobalWT
)

func (p WritePolicy) String() string {
	switch p {
	case WriteReadOnly:
		return "READ_ONLY"
	case WriteBack:
		return "WRITE_BACK"
	case WriteThrough:
		return "WRITE_THROUGH"
	case WriteEvict:
		return "WRITE_EVICT"
	case WriteLocalWBGlobalWT:
		return "LOCAL_WB_GLOBAL_WT"
	default:
		return fmt.Sprintf("WritePolicy(%d)", int(p))
	}
}

// AllocatePolicy controls when a miss reserves a line.
type AllocatePolicy int

const (
	// AllocOnMiss reserves the line when the miss is sent.
	AllocOnMiss AllocatePolicy = iota

	// AllocOnFill reserves the line only when the fill returns.
	AllocOnFill

	// AllocStreaming never retains lines beyond the outstanding miss.
	AllocStreaming
)

func (p AllocatePolicy) String() string {
	switch p {
	case AllocOnMiss:
		return "ON_MISS"
	case AllocOnFill:
		return "ON_FILL"
	case AllocStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("AllocatePolicy(%d)", int(p))
	}
}

// WriteAllocatePolicy controls whether write misses allocate a line.
type WriteAllocatePolicy int

const (
	// NoWriteAllocate forwards write misses without allocating.
	NoWriteAllocate WriteAllocatePolicy = iota

	// WriteAllocate allocates on write miss by issuing a read for the
	// rest of the line.
	WriteAllocate

	// FetchOnWrite fetches the full line before applying the write.
	FetchOnWrite

	// LazyFetchOnRead marks written sectors and fetches only when a
	// later read touches an unwritten byte.
	LazyFetchOnRead
)

func (p WriteAllocatePolicy) String() string {
	switch p {
	case NoWriteAllocate:
		return "NO_WRITE_ALLOCATE"
	case WriteAllocate:
		return "WRITE_ALLOCATE"
	case FetchOnWrite:
		return "FETCH_ON_WRITE"
	case LazyFetchOnRead:
		return "LAZY_FETCH_ON_READ"
	default:
		return fmt.Sprintf("WriteAllocatePolicy(%d)", int(p))
	}
}

// SetIndexFunction maps a block address to a set.
type SetIndexFunction int

const (
	// SetIndexLinear uses the address bits directly above the line
	// offset.
	SetIndexLinear SetIndexFunction = iota

	// SetIndexFermiHash xors upper address bits into the index, after
	// "A Detailed GPU Cache Model Based on Reuse Distance Theory"
	// (Nugteren et al., HPCA 2014). Requires 32 or 64 sets.
	SetIndexFermiHash

	// SetIndexBitwiseXor folds the bits above the index into the index
	// with xor.
	SetIndexBitwiseXor
)

func (f SetIndexFunction) String() string {
	switch f {
	case SetIndexLinear:
		return "LINEAR"
	case SetIndexFermiHash:
		return "FERMI_HASH"
	case SetIndexBitwiseXor:
		return "BITWISE_XOR"
	default:
		return fmt.Sprintf("SetIndexFunction(%d)", int(f))
	}
}

// Cache describes the geometry and policies of one cache instance. It is
// serialized to and from the compact accel-sim option string
//
//	<kind>:<sets>:<line>:<assoc>,<repl>:<write>:<alloc>:<walloc>:<hash>,<mshr>:<entries>:<merge>,<missq>[:<resultfifo>][,<dataport>]
//
// for example "S:64:128:6,L:L:m:N:H,A:128:8,4".
type Cache struct {
	// Kind selects line or sector granularity.
	Kind CacheKind

	// NumSets is the number of sets; must be a power of two.
	NumSets int

	// LineSize is the line size in bytes; must be a power of two.
	LineSize uint64

	// Associativity is the number of ways per set.
	Associativity int

	// ReplacementPolicy selects the victim within a set.
	ReplacementPolicy ReplacementPolicy

	// WritePolicy controls write handling.
	WritePolicy WritePolicy

	// AllocatePolicy controls when misses reserve lines.
	AllocatePolicy AllocatePolicy

	// WriteAllocatePolicy controls allocation on write misses.
	WriteAllocatePolicy WriteAllocatePolicy

	// SetIndexFunction maps block addresses to sets.
	SetIndexFunction SetIndexFunction

	// MSHREntries is the number of distinct outstanding miss addresses.
	MSHREntries int

	// MSHRMaxMerge is the number of accesses that can merge into one
	// outstanding miss.
	MSHRMaxMerge int

	// MissQueueSize bounds misses waiting to leave the cache.
	MissQueueSize int

	// ResultFIFOEntries bounds the (optional) result FIFO; 0 disables.
	ResultFIFOEntries int

	// DataPortWidth is the fill/drain granularity of the data array in
	// bytes per cycle; 0 means the full line.
	DataPortWidth int
}

// ParseCache parses the compact option string form of a cache
// configuration.
func ParseCache(s string) (*Cache, error) {
	groups := strings.Split(s, ",")
	if len(groups) < 4 || len(groups) > 5 {
		return nil, fmt.Errorf("config: malformed cache %q: want 4 or 5 comma groups, got %d", s, len(groups))
	}

	c := &Cache{}
	if err := c.parseGeometry(groups[0]); err != nil {
		return nil, fmt.Errorf("config: malformed cache %q: %w", s, err)
	}
	if err := c.parsePolicies(groups[1]); err != nil {
		return nil, fmt.Errorf("config: malformed cache %q: %w", s, err)
	}
	if err := c.parseMSHR(groups[2]); err != nil {
		return nil, fmt.Errorf("config: malformed cache %q: %w", s, err)
	}
	if err := c.parseMissQueue(groups[3]); err != nil {
		return nil, fmt.Errorf("config: malformed cache %q: %w", s, err)
	}
	if len(groups) == 5 {
		width, err := strconv.Atoi(groups[4])
		if err != nil {
			return nil, fmt.Errorf("config: malformed cache %q: data port width: %w", s, err)
		}
		c.DataPortWidth = width
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid cache %q: %w", s, err)
	}

	return c, nil
}

func (c *Cache) parseGeometry(group string) error {
	fields := strings.Split(group, ":")
	if len(fields) != 4 {
		return fmt.Errorf("geometry group %q: want <kind>:<sets>:<line>:<assoc>", group)
	}

	switch fields[0] {
	case "N":
		c.Kind = CacheNormal
	case "S":
		c.Kind = CacheSector
	default:
		return fmt.Errorf("unknown cache kind %q", fields[0])
	}

	var err error
	if c.NumSets, err = strconv.Atoi(fields[1]); err != nil {
		return fmt.Errorf("sets: %w", err)
	}
	if c.LineSize, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return fmt.Errorf("line size: %w", err)
	}
	if c.Associativity, err = strconv.Atoi(fields[3]); err != nil {
		return fmt.Errorf("associativity: %w", err)
	}

	return nil
}

func (c *Cache) parsePolicies(group string) error {
	fields := strings.Split(group, ":")
	if len(fields) != 5 {
		return fmt.Errorf("policy group %q: want <repl>:<write>:<alloc>:<walloc>:<hash>", group)
	}

	switch fields[0] {
	case "L":
		c.ReplacementPolicy = ReplaceLRU
	case "F":
		c.ReplacementPolicy = ReplaceFIFO
	default:
		return fmt.Errorf("unknown replacement policy %q", fields[0])
	}

	switch fields[1] {
	case "R":
		c.WritePolicy = WriteReadOnly
	case "B":
		c.WritePolicy = WriteBack
	case "T":
		c.WritePolicy = WriteThrough
	case "E":
		c.WritePolicy = WriteEvict
	case "L":
		c.WritePolicy = WriteLocalWBGlobalWT
	default:
		return fmt.Errorf("unknown write policy %q", fields[1])
	}

	switch fields[2] {
	case "m":
		c.AllocatePolicy = AllocOnMiss
	case "f":
		c.AllocatePolicy = AllocOnFill
	case "s":
		c.AllocatePolicy = AllocStreaming
	default:
		return fmt.Errorf("unknown allocate policy %q", fields[2])
	}

	switch fields[3] {
	case "N":
		c.WriteAllocatePolicy = NoWriteAllocate
	case "W":
		c.WriteAllocatePolicy = WriteAllocate
	case "F":
		c.WriteAllocatePolicy = FetchOnWrite
	case "L":
		c.WriteAllocatePolicy = LazyFetchOnRead
	default:
		return fmt.Errorf("unknown write allocate policy %q", fields[3])
	}

	switch fields[4] {
	case "L":
		c.SetIndexFunction = SetIndexLinear
	case "H":
		c.SetIndexFunction = SetIndexFermiHash
	case "X":
		c.SetIndexFunction = SetIndexBitwiseXor
	case "P":
		return fmt.Errorf("ipoly set index function is not supported")
	default:
		return fmt.Errorf("unknown set index function %q", fields[4])
	}

	return nil
}

func (c *Cache) parseMSHR(group string) error {
	fields := strings.Split(group, ":")
	if len(fields) != 3 {
		return fmt.Errorf("mshr group %q: want <kind>:<entries>:<merge>", group)
	}

	// The accel-sim grammar distinguishes FIFO and associative MSHR
	// organizations; both resolve to the same merging table here.
	switch fields[0] {
	case "A", "S", "F", "T":
	default:
		return fmt.Errorf("unknown mshr kind %q", fields[0])
	}

	var err error
	if c.MSHREntries, err = strconv.Atoi(fields[1]); err != nil {
		return fmt.Errorf("mshr entries: %w", err)
	}
	if c.MSHRMaxMerge, err = strconv.Atoi(fields[2]); err != nil {
		return fmt.Errorf("mshr max merge: %w", err)
	}

	return nil
}

func (c *Cache) parseMissQueue(group string) error {
	fields := strings.Split(group, ":")
	if len(fields) < 1 || len(fields) > 2 {
		return fmt.Errorf("miss queue group %q: want <missq>[:<resultfifo>]", group)
	}

	var err error
	if c.MissQueueSize, err = strconv.Atoi(fields[0]); err != nil {
		return fmt.Errorf("miss queue size: %w", err)
	}
	if len(fields) == 2 {
		if c.ResultFIFOEntries, err = strconv.Atoi(fields[1]); err != nil {
			return fmt.Errorf("result fifo entries: %w", err)
		}
	}

	return nil
}

// Validate checks geometry and policy combinations.
func (c *Cache) Validate() error {
	if c.NumSets <= 0 || c.NumSets&(c.NumSets-1) != 0 {
		return fmt.Errorf("number of sets must be a power of two, got %d", c.NumSets)
	}
	if c.LineSize == 0 || c.LineSize&(c.LineSize-1) != 0 {
		return fmt.Errorf("line size must be a power of two, got %d", c.LineSize)
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0, got %d", c.Associativity)
	}
	if c.MSHREntries <= 0 {
		return fmt.Errorf("mshr entries must be > 0, got %d", c.MSHREntries)
	}
	if c.MSHRMaxMerge <= 0 {
		return fmt.Errorf("mshr max merge must be > 0, got %d", c.MSHRMaxMerge)
	}
	if c.MissQueueSize <= 0 {
		return fmt.Errorf("miss queue size must be > 0, got %d", c.MissQueueSize)
	}
	if c.Kind == CacheSector && c.LineSize != SectorSize*SectorsPerLine {
		return fmt.Errorf("sectored cache line size must be %d, got %d",
			SectorSize*SectorsPerLine, c.LineSize)
	}
	if c.WritePolicy == WriteBack &&
		(c.AllocatePolicy == AllocOnFill || c.AllocatePolicy == AllocStreaming) {
		// A write-back cache that allocates on fill can deadlock: the
		// fill evicts a dirty line whose writeback needs the same
		// congested path the fill came in on.
		return fmt.Errorf("write-back cache cannot allocate on fill")
	}
	if c.AllocatePolicy == AllocOnFill &&
		(c.WriteAllocatePolicy == FetchOnWrite || c.WriteAllocatePolicy == LazyFetchOnRead) {
		return fmt.Errorf("%v requires allocate on miss", c.WriteAllocatePolicy)
	}
	if c.SetIndexFunction == SetIndexFermiHash && c.NumSets != 32 && c.NumSets != 64 {
		return fmt.Errorf("fermi hash set index requires 32 or 64 sets, got %d", c.NumSets)
	}
	if c.DataPortWidth < 0 || (c.DataPortWidth > 0 && c.LineSize%uint64(c.DataPortWidth) != 0) {
		return fmt.Errorf("data port width %d must divide line size %d",
			c.DataPortWidth, c.LineSize)
	}

	return nil
}

// String returns the compact option string form.
func (c *Cache) String() string {
	kind := "N"
	if c.Kind == CacheSector {
		kind = "S"
	}

	repl := "L"
	if c.ReplacementPolicy == ReplaceFIFO {
		repl = "F"
	}

	var write string
	switch c.WritePolicy {
	case WriteReadOnly:
		write = "R"
	case WriteBack:
		write = "B"
	case WriteThrough:
		write = "T"
	case WriteEvict:
		write = "E"
	case WriteLocalWBGlobalWT:
		write = "L"
	}

	var alloc string
	switch c.AllocatePolicy {
	case AllocOnMiss:
		alloc = "m"
	case AllocOnFill:
		alloc = "f"
	case AllocStreaming:
		alloc = "s"
	}

	var walloc string
	switch c.WriteAllocatePolicy {
	case NoWriteAllocate:
		walloc = "N"
	case WriteAllocate:
		walloc = "W"
	case FetchOnWrite:
		walloc = "F"
	case LazyFetchOnRead:
		walloc = "L"
	}

	var hash string
	switch c.SetIndexFunction {
	case SetIndexLinear:
		hash = "L"
	case SetIndexFermiHash:
		hash = "H"
	case SetIndexBitwiseXor:
		hash = "X"
	}

	s := fmt.Sprintf("%s:%d:%d:%d,%s:%s:%s:%s:%s,A:%d:%d,%d",
		kind, c.NumSets, c.LineSize, c.Associativity,
		repl, write, alloc, walloc, hash,
		c.MSHREntries, c.MSHRMaxMerge, c.MissQueueSize)
	if c.ResultFIFOEntries > 0 {
		s += fmt.Sprintf(":%d", c.ResultFIFOEntries)
	}
	if c.DataPortWidth > 0 {
		s += fmt.Sprintf(",%d", c.DataPortWidth)
	}

	return s
}

// MarshalJSON serializes the cache as its compact option string.
func (c *Cache) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses the compact option string form.
func (c *Cache) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseCache(s)
	if err != nil {
		return err
	}

	*c = *parsed
	return nil
}

// Clone returns a deep copy.
func (c *Cache) Clone() *Cache {
	clone := *c
	return &clone
}

// TotalBytes returns the cache capacity in bytes.
func (c *Cache) TotalBytes() uint64 {
	return c.LineSize * uint64(c.NumSets) * uint64(c.Associativity)
}

// TotalLines returns the number of lines in the cache.
func (c *Cache) TotalLines() int {
	return c.NumSets * c.Associativity
}

// LineSizeLog2 returns log2 of the line size.
func (c *Cache) LineSizeLog2() uint {
	return uint(bits.TrailingZeros64(c.LineSize))
}

// NumSetsLog2 returns log2 of the number of sets.
func (c *Cache) NumSetsLog2() uint {
	return uint(bits.TrailingZeros64(uint64(c.NumSets)))
}

// AtomSize is the fill granularity: the sector size for sectored caches,
// the full line otherwise.
func (c *Cache) AtomSize() uint64 {
	if c.Kind == CacheSector {
		return SectorSize
	}
	return c.LineSize
}

// Sectored reports whether the cache tracks sectors.
func (c *Cache) Sectored() bool {
	return c.Kind == CacheSector
}

// BlockAddr masks the line offset bits off an address.
func (c *Cache) BlockAddr(addr uint64) uint64 {
	return addr & ^(c.LineSize - 1)
}

// Tag returns the tag for an address. The tag keeps the index bits so
// hashed indexing stays unambiguous; it equals the block address.
func (c *Cache) Tag(addr uint64) uint64 {
	return addr & ^(c.LineSize - 1)
}

// MSHRAddr returns the miss-tracking granularity address, the block
// address.
func (c *Cache) MSHRAddr(addr uint64) uint64 {
	return addr & ^(c.LineSize - 1)
}

// SetIndex maps an address to its set.
func (c *Cache) SetIndex(addr uint64) uint64 {
	numSets := uint64(c.NumSets)

	switch c.SetIndexFunction {
	case SetIndexLinear:
		return (addr >> c.LineSizeLog2()) & (numSets - 1)

	case SetIndexFermiHash:
		// Lower xor value is bits 7..11 above the line offset; upper
		// xor value is bits 13, 14, 15, 17 and 19.
		lower := (addr >> c.LineSizeLog2()) & 0x1F
		upper := (addr & 0xE000) >> 13
		upper |= (addr & 0x20000) >> 14
		upper |= (addr & 0x80000) >> 15
		idx := lower ^ upper
		if numSets == 64 {
			// The 48KB configuration prepends bit 12.
			idx |= (addr & 0x1000) >> 7
		}
		return idx

	case SetIndexBitwiseXor:
		higher := addr >> (c.LineSizeLog2() + c.NumSetsLog2())
		idx := (addr >> c.LineSizeLog2()) & (numSets - 1)
		return (idx ^ higher) & (numSets - 1)

	default:
		panic(fmt.Sprintf("config: set index function %d not implemented", c.SetIndexFunction))
	}
}
