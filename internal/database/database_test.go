package database

import (
	"github.com/sirupsen/logrus"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/surveyqc/qcpipeline/internal/config"
)

var _ = Describe("Connect", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
	})

	Context("with invalid configuration", func() {
		It("should return an error without attempting to connect", func() {
			cfg := config.DatabaseConfig{
				Host: "", // invalid: empty host
				Port: 5432,
				User: "qc_user",
			}

			_, err := Connect(cfg, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("invalid database configuration"))
		})
	})

	// Connecting to a real Postgres instance is covered by integration
	// tests; unit tests only exercise the validation short-circuit.
})
