package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	Describe("DefaultConfig", func() {
		It("should return correct default values", func() {
			cfg := DefaultConfig()

			Expect(cfg.Database.Host).To(Equal("localhost"))
			Expect(cfg.Database.Port).To(Equal(5432))
			Expect(cfg.BatchCapacity).To(Equal(100))
			Expect(cfg.LeaseDuration).To(Equal(30 * time.Minute))
			Expect(cfg.ViewRefreshInterval).To(Equal(10 * time.Second))
			Expect(cfg.LeaseGCInterval).To(Equal(60 * time.Second))
			Expect(cfg.FallbackConfig.SamplePercentage).To(Equal(40.0))
			Expect(cfg.FallbackConfig.ApprovalRules).To(HaveLen(2))
		})
	})

	Describe("LoadFromEnv", func() {
		var cfg *Config
		var saved map[string]string
		keys := []string{"DB_HOST", "DB_PORT", "BATCH_CAPACITY", "LEASE_DURATION_MIN", "FALLBACK_SAMPLE_PERCENTAGE"}

		BeforeEach(func() {
			cfg = DefaultConfig()
			saved = map[string]string{}
			for _, k := range keys {
				saved[k] = os.Getenv(k)
			}
		})

		AfterEach(func() {
			for k, v := range saved {
				if v == "" {
					os.Unsetenv(k)
				} else {
					os.Setenv(k, v)
				}
			}
		})

		It("should override defaults from environment", func() {
			os.Setenv("DB_HOST", "dbhost")
			os.Setenv("DB_PORT", "6543")
			os.Setenv("BATCH_CAPACITY", "50")
			os.Setenv("LEASE_DURATION_MIN", "15")
			os.Setenv("FALLBACK_SAMPLE_PERCENTAGE", "25")

			cfg.LoadFromEnv()

			Expect(cfg.Database.Host).To(Equal("dbhost"))
			Expect(cfg.Database.Port).To(Equal(6543))
			Expect(cfg.BatchCapacity).To(Equal(50))
			Expect(cfg.LeaseDuration).To(Equal(15 * time.Minute))
			Expect(cfg.FallbackConfig.SamplePercentage).To(Equal(25.0))
		})

		It("should ignore an invalid numeric override and keep the default", func() {
			os.Setenv("DB_PORT", "not-a-number")

			cfg.LoadFromEnv()

			Expect(cfg.Database.Port).To(Equal(5432))
		})

		It("should keep defaults when nothing is set", func() {
			cfg.LoadFromEnv()
			Expect(cfg.Database.Host).To(Equal("localhost"))
			Expect(cfg.BatchCapacity).To(Equal(100))
		})
	})

	Describe("Validate", func() {
		It("should pass for default config", func() {
			Expect(DefaultConfig().Validate()).NotTo(HaveOccurred())
		})

		It("should reject a zero batch capacity", func() {
			cfg := DefaultConfig()
			cfg.BatchCapacity = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("should reject a zero lease duration", func() {
			cfg := DefaultConfig()
			cfg.LeaseDuration = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("should reject an empty redis addr", func() {
			cfg := DefaultConfig()
			cfg.Redis.Addr = ""
			Expect(cfg.Validate()).To(HaveOccurred())
		})
	})

	Describe("Load", func() {
		var tempDir, configFile string

		BeforeEach(func() {
			var err error
			tempDir, err = os.MkdirTemp("", "qc-config-test")
			Expect(err).NotTo(HaveOccurred())
			configFile = filepath.Join(tempDir, "config.yaml")
		})

		AfterEach(func() {
			os.RemoveAll(tempDir)
		})

		It("should apply file values on top of defaults", func() {
			content := `
database:
  host: filehost
  port: 5433
  user: qc_user
  database: qc_pipeline
  sslMode: disable
  maxOpenConns: 10
  maxIdleConns: 2
redis:
  addr: "redis-file:6379"
batchCapacity: 75
`
			Expect(os.WriteFile(configFile, []byte(content), 0644)).To(Succeed())

			cfg, err := Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Database.Host).To(Equal("filehost"))
			Expect(cfg.Redis.Addr).To(Equal("redis-file:6379"))
			Expect(cfg.BatchCapacity).To(Equal(75))
		})

		It("should fall back to defaults when the file does not exist", func() {
			cfg, err := Load(filepath.Join(tempDir, "missing.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Database.Host).To(Equal("localhost"))
		})
	})

	Describe("ConnectionString", func() {
		It("should include password when present", func() {
			d := DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Database: "d", SSLMode: "disable", Password: "secret"}
			Expect(d.ConnectionString()).To(Equal("host=localhost port=5432 user=u dbname=d sslmode=disable password=secret"))
		})

		It("should omit password when empty", func() {
			d := DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Database: "d", SSLMode: "disable"}
			result := d.ConnectionString()
			Expect(result).NotTo(ContainSubstring("password="))
		})
	})
})
