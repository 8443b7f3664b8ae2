package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mfkiwl/gpucachesim/config"
)

var _ = Describe("GPU Config", func() {
	var c *config.GPU

	BeforeEach(func() {
		c = config.DefaultConfig()
	})

	Describe("defaults", func() {
		It("should model twenty single-core clusters", func() {
			Expect(c.NumClusters).To(Equal(20))
			Expect(c.NumCoresPerCluster).To(Equal(1))
			Expect(c.NumCores()).To(Equal(20))
			Expect(c.NumSchedsPerCore).To(Equal(2))
		})

		It("should hold 64 warps per core", func() {
			Expect(c.WarpSize).To(Equal(32))
			Expect(c.MaxThreadsPerCore).To(Equal(2048))
			Expect(c.MaxWarpsPerCore()).To(Equal(64))
		})

		It("should use the greedy-then-oldest scheduler", func() {
			Expect(c.Scheduler).To(Equal("gto"))
		})

		It("should bank the register file 32 ways", func() {
			Expect(c.NumRegBanks).To(Equal(32))
			Expect(c.RegBankWarpShift).To(Equal(5))
			Expect(c.SubCoreModel).To(BeFalse())
		})

		It("should configure sixteen memory sub partitions", func() {
			Expect(c.NumMemoryControllers).To(Equal(8))
			Expect(c.NumSubPartitionsPerChannel).To(Equal(2))
			Expect(c.NumSubPartitions()).To(Equal(16))
			Expect(c.NumIcntNodes()).To(Equal(36))
			Expect(c.MemNode(0)).To(Equal(20))
			Expect(c.MemNode(15)).To(Equal(35))
		})

		It("should use sectored L1D and L2 caches", func() {
			Expect(c.L1D.Sectored()).To(BeTrue())
			Expect(c.L2.Sectored()).To(BeTrue())
			Expect(c.L1I.Sectored()).To(BeFalse())
			Expect(c.L2.DataPortWidth).To(Equal(32))
		})

		It("should fill L2 on memcopy", func() {
			Expect(c.FillL2OnMemcopy).To(BeTrue())
		})

		It("should validate", func() {
			Expect(c.Validate()).To(Succeed())
		})
	})

	Describe("validation", func() {
		It("should reject zero clusters", func() {
			c.NumClusters = 0
			Expect(c.Validate()).ToNot(Succeed())
		})

		It("should reject unknown schedulers", func() {
			c.Scheduler = "fifo"
			Expect(c.Validate()).ToNot(Succeed())
		})

		It("should reject sub core banking that does not divide", func() {
			c.SubCoreModel = true
			c.NumRegBanks = 30
			Expect(c.Validate()).ToNot(Succeed())
		})

		It("should reject int units without an int pipeline", func() {
			c.NumIntUnits = 1
			Expect(c.Validate()).ToNot(Succeed())

			c.WidthIDOCInt = 1
			c.WidthOCEXInt = 1
			Expect(c.Validate()).ToNot(Succeed())

			c.CollectorUnitsInt = 2
			c.CollectorInPortsInt = 1
			Expect(c.Validate()).To(Succeed())
		})

		It("should reject a missing cache", func() {
			c.L2 = nil
			Expect(c.Validate()).ToNot(Succeed())
		})
	})

	Describe("save and load", func() {
		It("should round trip through JSON", func() {
			dir, err := os.MkdirTemp("", "gpuconfig")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(dir)

			c.NumClusters = 4
			c.Scheduler = "lrr"
			c.L1D.MissQueueSize = 8

			path := filepath.Join(dir, "gpu.json")
			Expect(c.SaveConfig(path)).To(Succeed())

			loaded, err := config.LoadConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(loaded).To(Equal(c))
		})

		It("should keep defaults for missing keys", func() {
			dir, err := os.MkdirTemp("", "gpuconfig")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(dir)

			path := filepath.Join(dir, "partial.json")
			err = os.WriteFile(path, []byte(`{"num_clusters": 2}`), 0644)
			Expect(err).ToNot(HaveOccurred())

			loaded, err := config.LoadConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(loaded.NumClusters).To(Equal(2))
			Expect(loaded.NumSchedsPerCore).To(Equal(2))
			Expect(loaded.L2.Associativity).To(Equal(16))
			Expect(loaded.Latency.SFULatency).To(Equal(uint64(21)))
		})

		It("should parse cache geometry strings in JSON", func() {
			dir, err := os.MkdirTemp("", "gpuconfig")
			Expect(err).ToNot(HaveOccurred())
			defer os.RemoveAll(dir)

			path := filepath.Join(dir, "caches.json")
			err = os.WriteFile(path,
				[]byte(`{"l1d_cache": "N:64:128:8,L:T:m:N:L,A:256:16,8"}`), 0644)
			Expect(err).ToNot(HaveOccurred())

			loaded, err := config.LoadConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(loaded.L1D.Associativity).To(Equal(8))
			Expect(loaded.L1D.WritePolicy).To(Equal(config.WriteThrough))
			Expect(loaded.L1D.MSHREntries).To(Equal(256))
			Expect(loaded.L1D.MissQueueSize).To(Equal(8))
		})

		It("should fail on unreadable files", func() {
			_, err := config.LoadConfig("/nonexistent/gpu.json")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("clone", func() {
		It("should deep copy the cache configs", func() {
			clone := c.Clone()
			Expect(clone).To(Equal(c))

			clone.L1D.MissQueueSize = 99
			clone.Latency.SPLatency = 7
			Expect(c.L1D.MissQueueSize).To(Equal(4))
			Expect(c.Latency.SPLatency).To(Equal(uint64(2)))
		})
	})
})
