package config_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
)

var _ = Describe("Cache Config Parsing", func() {
	Describe("GTX 1080 L1 data cache", func() {
		It("should parse the full geometry", func() {
			c, err := config.ParseCache("N:64:128:6,L:L:m:N:H,A:128:8,8")
			Expect(err).ToNot(HaveOccurred())

			Expect(c.Kind).To(Equal(config.CacheNormal))
			Expect(c.NumSets).To(Equal(64))
			Expect(c.LineSize).To(Equal(uint64(128)))
			Expect(c.Associativity).To(Equal(6))
			Expect(c.ReplacementPolicy).To(Equal(config.ReplaceLRU))
			Expect(c.WritePolicy).To(Equal(config.WriteLocalWBGlobalWT))
			Expect(c.AllocatePolicy).To(Equal(config.AllocOnMiss))
			Expect(c.WriteAllocatePolicy).To(Equal(config.NoWriteAllocate))
			Expect(c.SetIndexFunction).To(Equal(config.SetIndexFermiHash))
			Expect(c.MSHREntries).To(Equal(128))
			Expect(c.MSHRMaxMerge).To(Equal(8))
			Expect(c.MissQueueSize).To(Equal(8))
			Expect(c.DataPortWidth).To(Equal(0))
		})
	})

	Describe("GTX 1080 L2 cache", func() {
		It("should parse result fifo and data port width", func() {
			c, err := config.ParseCache("N:64:128:16,L:B:m:W:L,A:1024:1024,4:0,32")
			Expect(err).ToNot(HaveOccurred())

			Expect(c.WritePolicy).To(Equal(config.WriteBack))
			Expect(c.WriteAllocatePolicy).To(Equal(config.WriteAllocate))
			Expect(c.SetIndexFunction).To(Equal(config.SetIndexLinear))
			Expect(c.MSHREntries).To(Equal(1024))
			Expect(c.MSHRMaxMerge).To(Equal(1024))
			Expect(c.MissQueueSize).To(Equal(4))
			Expect(c.ResultFIFOEntries).To(Equal(0))
			Expect(c.DataPortWidth).To(Equal(32))
		})
	})

	Describe("GTX 1080 instruction cache", func() {
		It("should parse the allocate-on-fill read-only config", func() {
			c, err := config.ParseCache("N:8:128:4,L:R:f:N:L,A:2:48,4")
			Expect(err).ToNot(HaveOccurred())

			Expect(c.WritePolicy).To(Equal(config.WriteReadOnly))
			Expect(c.AllocatePolicy).To(Equal(config.AllocOnFill))
			Expect(c.MSHREntries).To(Equal(2))
			Expect(c.MSHRMaxMerge).To(Equal(48))
			Expect(c.MissQueueSize).To(Equal(4))
		})
	})

	Describe("sectored caches", func() {
		It("should parse the sector kind", func() {
			c, err := config.ParseCache("S:64:128:6,L:L:m:N:H,A:128:8,4")
			Expect(err).ToNot(HaveOccurred())

			Expect(c.Kind).To(Equal(config.CacheSector))
			Expect(c.Sectored()).To(BeTrue())
			Expect(c.AtomSize()).To(Equal(uint64(config.SectorSize)))
		})

		It("should reject sector caches with non-128B lines", func() {
			_, err := config.ParseCache("S:64:64:6,L:L:m:N:L,A:128:8,4")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("invalid configurations", func() {
		It("should reject write-back with allocate-on-fill", func() {
			_, err := config.ParseCache("N:64:128:16,L:B:f:W:L,A:1024:1024,4")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("allocate on fill"))
		})

		It("should reject fermi hashing outside 32 or 64 sets", func() {
			_, err := config.ParseCache("N:128:128:4,L:R:f:N:H,A:2:48,4")
			Expect(err).To(HaveOccurred())
		})

		It("should reject malformed group counts", func() {
			_, err := config.ParseCache("N:64:128:6,L:L:m:N:H")
			Expect(err).To(HaveOccurred())
		})

		It("should reject unknown policy letters", func() {
			_, err := config.ParseCache("N:64:128:6,Q:L:m:N:H,A:128:8,4")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("round trip", func() {
		It("should format back to the same string", func() {
			in := "S:64:128:16,L:B:m:W:L,A:1024:1024,4,32"
			c, err := config.ParseCache(in)
			Expect(err).ToNot(HaveOccurred())
			Expect(c.String()).To(Equal(in))

			again, err := config.ParseCache(c.String())
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(Equal(c))
		})
	})
})

var _ = Describe("Cache Geometry", func() {
	var c *config.Cache

	BeforeEach(func() {
		var err error
		c, err = config.ParseCache("N:64:128:6,L:L:m:N:L,A:128:8,4")
		Expect(err).ToNot(HaveOccurred())
	})

	It("should compute totals", func() {
		Expect(c.TotalBytes()).To(Equal(uint64(64 * 128 * 6)))
		Expect(c.TotalLines()).To(Equal(64 * 6))
		Expect(c.LineSizeLog2()).To(Equal(uint(7)))
		Expect(c.NumSetsLog2()).To(Equal(uint(6)))
	})

	It("should mask block addresses to line boundaries", func() {
		Expect(c.BlockAddr(4026531848)).To(Equal(uint64(4026531840)))
		Expect(c.BlockAddr(4026531840)).To(Equal(uint64(4026531840)))
		Expect(c.Tag(0x1234)).To(Equal(uint64(0x1200)))
		Expect(c.MSHRAddr(0x1234)).To(Equal(uint64(0x1200)))
	})

	It("should index sets linearly", func() {
		Expect(c.SetIndex(0)).To(Equal(uint64(0)))
		Expect(c.SetIndex(128)).To(Equal(uint64(1)))
		Expect(c.SetIndex(128 * 64)).To(Equal(uint64(0)))
		Expect(c.SetIndex(128*64 + 256)).To(Equal(uint64(2)))
	})

	It("should keep fermi hashed indexes within range", func() {
		hashed, err := config.ParseCache("N:64:128:6,L:L:m:N:H,A:128:8,4")
		Expect(err).ToNot(HaveOccurred())

		seen := map[uint64]bool{}
		for addr := uint64(0); addr < 1<<22; addr += 4096 + 128 {
			idx := hashed.SetIndex(addr)
			Expect(idx).To(BeNumerically("<", 64))
			seen[idx] = true
		}
		Expect(len(seen)).To(BeNumerically(">", 16))
	})
})
