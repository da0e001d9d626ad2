package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAction(t *testing.T) {
	assert.Equal(t, ActionAutoApprove, SanitizeAction(ActionAutoApprove))
	assert.Equal(t, ActionSendToQC, SanitizeAction(ActionSendToQC))
	assert.Equal(t, ActionRejectAll, SanitizeAction(ActionRejectAll))
	assert.Equal(t, ActionUnknown, SanitizeAction("drop table responses;"))
	assert.Equal(t, ActionUnknown, SanitizeAction(""))
}

func TestSanitizeMode(t *testing.T) {
	assert.Equal(t, ModeCAPI, SanitizeMode(ModeCAPI))
	assert.Equal(t, ModeCATI, SanitizeMode(ModeCATI))
	assert.Equal(t, ModeUnknown, SanitizeMode("telepathic"))
}

func TestRecordBatchSealed(t *testing.T) {
	before := testutil.ToFloat64(BatchesSealedTotal)
	RecordBatchSealed(12)
	after := testutil.ToFloat64(BatchesSealedTotal)
	assert.Equal(t, before+1, after)
}

func TestRecordRemainderDecision(t *testing.T) {
	RecordRemainderDecision(ActionAutoApprove)
	v := testutil.ToFloat64(RemainderDecisionsTotal.WithLabelValues(ActionAutoApprove))
	assert.GreaterOrEqual(t, v, float64(1))
}

func TestRecordRemainderDecision_UnknownActionCollapsesLabel(t *testing.T) {
	before := testutil.ToFloat64(RemainderDecisionsTotal.WithLabelValues(ActionUnknown))
	RecordRemainderDecision("not_a_real_action")
	after := testutil.ToFloat64(RemainderDecisionsTotal.WithLabelValues(ActionUnknown))
	assert.Equal(t, before+1, after)
}

func TestRecordVerdict(t *testing.T) {
	before := testutil.ToFloat64(VerdictsTotal.WithLabelValues(OutcomeApproved))
	RecordVerdict(OutcomeApproved)
	after := testutil.ToFloat64(VerdictsTotal.WithLabelValues(OutcomeApproved))
	assert.Equal(t, before+1, after)
}

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(DispatchAttemptsTotal.WithLabelValues(ModeCAPI, DispatchHit))
	RecordDispatch(ModeCAPI, DispatchHit, 15*time.Millisecond)
	after := testutil.ToFloat64(DispatchAttemptsTotal.WithLabelValues(ModeCAPI, DispatchHit))
	assert.Equal(t, before+1, after)
}

func TestRecordLeaseConflict(t *testing.T) {
	before := testutil.ToFloat64(LeaseConflictsTotal)
	RecordLeaseConflict()
	after := testutil.ToFloat64(LeaseConflictsTotal)
	assert.Equal(t, before+1, after)
}

func TestSetAssignmentViewSize(t *testing.T) {
	SetAssignmentViewSize(42)
	require.Equal(t, float64(42), testutil.ToFloat64(AssignmentViewSize))
}
