package cache

import (
	"github.com/mfkiwl/gpucachesim/config"
	"github.com/mfkiwl/gpucachesim/timing/mem"
)

// bandwidthManager charges port cycles for data array traffic. A hit
// occupies the data port for the cycles its bytes take to cross the port;
// an eviction readout charges the modified bytes; a fill occupies the fill
// port for one atom. Both ports replenish one cycle per cache cycle, and a
// busy port stalls the matching operation upstream.
type bandwidthManager struct {
	cfg *config.Cache

	dataPortOccupied int
	fillPortOccupied int
}

func newBandwidthManager(cfg *config.Cache) *bandwidthManager {
	return &bandwidthManager{cfg: cfg}
}

// portWidth is the data port width in bytes, defaulting to the line size.
func (b *bandwidthManager) portWidth() int {
	if b.cfg.DataPortWidth > 0 {
		return b.cfg.DataPortWidth
	}
	return int(b.cfg.LineSize)
}

// useDataPort charges the data port for an access outcome. Hits move the
// requested bytes; misses that displaced a dirty line read the modified
// bytes out for the writeback.
func (b *bandwidthManager) useDataPort(dataSize uint32, status mem.RequestStatus, events []Event) {
	width := b.portWidth()
	switch status {
	case mem.Hit:
		cycles := int(dataSize) / width
		if int(dataSize)%width > 0 {
			cycles++
		}
		b.dataPortOccupied += cycles
	case mem.HitReserved, mem.Miss:
		if ev, ok := writebackSent(events); ok {
			b.dataPortOccupied += int(ev.WritebackSize) / width
		}
	case mem.SectorMiss, mem.ReservationFailure:
	}
}

// useFillPort charges the fill port for one returned atom.
func (b *bandwidthManager) useFillPort() {
	b.fillPortOccupied += int(b.cfg.AtomSize()) / b.portWidth()
}

// replenish frees one cycle of each port. Called once per cache cycle.
func (b *bandwidthManager) replenish() {
	if b.dataPortOccupied > 0 {
		b.dataPortOccupied--
	}
	if b.fillPortOccupied > 0 {
		b.fillPortOccupied--
	}
}

func (b *bandwidthManager) dataPortFree() bool {
	return b.dataPortOccupied == 0
}

func (b *bandwidthManager) fillPortFree() bool {
	return b.fillPortOccupied == 0
}
