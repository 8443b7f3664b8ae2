package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// CacheAccess keys one cell of a cache's access breakdown.
type CacheAccess struct {
	Kind   mem.AccessKind
	Status mem.RequestStatus
}

// CacheFailure keys one cell of the reservation failure breakdown.
type CacheFailure struct {
	Kind   mem.AccessKind
	Reason mem.FailureReason
}

// Cache counts per (access kind, outcome) cache events plus the
// detailed reservation failure reasons.
type Cache struct {
	accesses map[CacheAccess]uint64
	failures map[CacheFailure]uint64
}

// NewCache returns an empty cache counter set.
func NewCache() *Cache {
	return &Cache{
		accesses: map[CacheAccess]uint64{},
		failures: map[CacheFailure]uint64{},
	}
}

// Inc counts one access outcome.
func (c *Cache) Inc(kind mem.AccessKind, status mem.RequestStatus) {
	c.accesses[CacheAccess{Kind: kind, Status: status}]++
}

// IncFailure counts one reservation failure reason. The outer
// RESERVATION_FAILURE outcome is counted separately through Inc.
func (c *Cache) IncFailure(kind mem.AccessKind, reason mem.FailureReason) {
	c.failures[CacheFailure{Kind: kind, Reason: reason}]++
}

// Count returns the count of one access cell.
func (c *Cache) Count(kind mem.AccessKind, status mem.RequestStatus) uint64 {
	return c.accesses[CacheAccess{Kind: kind, Status: status}]
}

// FailureCount returns the count of one failure cell.
func (c *Cache) FailureCount(kind mem.AccessKind, reason mem.FailureReason) uint64 {
	return c.failures[CacheFailure{Kind: kind, Reason: reason}]
}

// StatusTotal sums a status across all access kinds.
func (c *Cache) StatusTotal(status mem.RequestStatus) uint64 {
	var total uint64
	for key, n := range c.accesses {
		if key.Status == status {
			total += n
		}
	}
	return total
}

// Total returns the number of counted accesses.
func (c *Cache) Total() uint64 {
	var total uint64
	for _, n := range c.accesses {
		total += n
	}
	return total
}

// Merge adds other's counts into c.
func (c *Cache) Merge(other *Cache) {
	for key, n := range other.accesses {
		c.accesses[key] += n
	}
	for key, n := range other.failures {
		c.failures[key] += n
	}
}

// Reset zeroes all counters.
func (c *Cache) Reset() {
	c.accesses = map[CacheAccess]uint64{}
	c.failures = map[CacheFailure]uint64{}
}

// String lists the non-zero cells in a stable order.
func (c *Cache) String() string {
	lines := make([]string, 0, len(c.accesses)+len(c.failures))
	for key, n := range c.accesses {
		lines = append(lines, fmt.Sprintf("%s[%s] = %d", key.Kind, key.Status, n))
	}
	for key, n := range c.failures {
		lines = append(lines, fmt.Sprintf("%s[%s] = %d", key.Kind, key.Reason, n))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
