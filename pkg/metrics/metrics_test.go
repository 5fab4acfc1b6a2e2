package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters_IncrementVisibleInRegistry(t *testing.T) {
	before := testutil.ToFloat64(SessionsStarted)
	SessionsStarted.Inc()
	after := testutil.ToFloat64(SessionsStarted)
	if after != before+1 {
		t.Errorf("SessionsStarted = %v, want %v", after, before+1)
	}
}

func TestApprovals_LabeledByAction(t *testing.T) {
	before := testutil.ToFloat64(Approvals.WithLabelValues("approve"))
	Approvals.WithLabelValues("approve").Inc()
	after := testutil.ToFloat64(Approvals.WithLabelValues("approve"))
	if after != before+1 {
		t.Errorf("Approvals{action=approve} = %v, want %v", after, before+1)
	}
}

func TestTimer_ObserveDurationRecordsSample(t *testing.T) {
	before := testutil.CollectAndCount(SessionStartDuration)
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(SessionStartDuration)
	after := testutil.CollectAndCount(SessionStartDuration)
	if after != before+1 {
		t.Errorf("histogram sample count = %d, want %d", after, before+1)
	}
}
