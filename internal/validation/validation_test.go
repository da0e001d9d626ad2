package validation

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/surveyqc/qcpipeline/pkg/domain"
)

var _ = Describe("Validation", func() {
	Describe("ValidateApprovalRules", func() {
		Context("with a valid rule table", func() {
			It("should pass validation", func() {
				rules := []domain.ApprovalRule{
					{MinRate: 50, MaxRate: 100, Action: domain.ActionAutoApprove},
					{MinRate: 0, MaxRate: 49, Action: domain.ActionSendToQC},
				}
				Expect(ValidateApprovalRules(40, rules)).NotTo(HaveOccurred())
			})
		})

		Context("when samplePercentage is 100", func() {
			It("should allow an empty rule list", func() {
				Expect(ValidateApprovalRules(100, nil)).NotTo(HaveOccurred())
			})
		})

		Context("when samplePercentage is below 100", func() {
			It("should reject an empty rule list", func() {
				err := ValidateApprovalRules(40, nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("at least one approval rule is required"))
			})
		})

		Context("when a rule's range is invalid", func() {
			It("should reject minRate > maxRate", func() {
				rules := []domain.ApprovalRule{{MinRate: 60, MaxRate: 40, Action: domain.ActionAutoApprove}}
				err := ValidateApprovalRules(50, rules)
				Expect(err).To(HaveOccurred())
			})

			It("should reject a maxRate above 100", func() {
				rules := []domain.ApprovalRule{{MinRate: 0, MaxRate: 150, Action: domain.ActionAutoApprove}}
				err := ValidateApprovalRules(50, rules)
				Expect(err).To(HaveOccurred())
			})
		})

		Context("when a rule has an unknown action", func() {
			It("should reject it", func() {
				rules := []domain.ApprovalRule{{MinRate: 0, MaxRate: 100, Action: "delete_all"}}
				err := ValidateApprovalRules(50, rules)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unknown action"))
			})
		})

		Context("when rules overlap", func() {
			It("should reject them and describe every overlapping pair", func() {
				rules := []domain.ApprovalRule{
					{MinRate: 0, MaxRate: 60, Action: domain.ActionSendToQC},
					{MinRate: 50, MaxRate: 100, Action: domain.ActionAutoApprove},
				}
				err := ValidateApprovalRules(50, rules)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("overlap"))
			})
		})

		Context("with boundary-adjacent, non-overlapping rules", func() {
			It("should accept rules that share only an integer gap", func() {
				rules := []domain.ApprovalRule{
					{MinRate: 0, MaxRate: 49, Action: domain.ActionSendToQC},
					{MinRate: 50, MaxRate: 100, Action: domain.ActionAutoApprove},
				}
				Expect(ValidateApprovalRules(40, rules)).NotTo(HaveOccurred())
			})
		})
	})

	Describe("ValidateVerdictRequest", func() {
		It("should accept a well-formed request", func() {
			req := VerdictRequest{
				ResponseID: "123e4567-e89b-12d3-a456-426614174000",
				Verdict:    domain.VerdictApprove,
			}
			Expect(ValidateVerdictRequest(req)).NotTo(HaveOccurred())
		})

		It("should reject a missing responseId", func() {
			req := VerdictRequest{Verdict: domain.VerdictApprove}
			Expect(ValidateVerdictRequest(req)).To(HaveOccurred())
		})

		It("should reject an unknown verdict value", func() {
			req := VerdictRequest{
				ResponseID: "123e4567-e89b-12d3-a456-426614174000",
				Verdict:    "maybe",
			}
			Expect(ValidateVerdictRequest(req)).To(HaveOccurred())
		})
	})
})
