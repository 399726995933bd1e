package recovery

import (
	"testing"
	"time"

	"github.com/northbay-labs/callpilot/internal/callctx"
)

func TestDecide_RetriesEligibleDisconnect(t *testing.T) {
	policy := DefaultPolicy()
	endedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st := Decide(policy, CauseWebSocketDisconnect, 15*time.Second, 0, callctx.Snapshot{}, endedAt)
	if !st.ShouldRetry {
		t.Fatalf("expected retry to be scheduled")
	}
	if !st.NextAttemptAt.Equal(endedAt.Add(5 * time.Minute)) {
		t.Errorf("expected next attempt 5 minutes later, got %v", st.NextAttemptAt)
	}
}

func TestDecide_NoRetryBelowMinDuration(t *testing.T) {
	st := Decide(DefaultPolicy(), CauseWebSocketDisconnect, 5*time.Second, 0, callctx.Snapshot{}, time.Now())
	if st.ShouldRetry {
		t.Errorf("expected no retry below min duration")
	}
}

func TestDecide_NoRetryAfterMaxAttempts(t *testing.T) {
	st := Decide(DefaultPolicy(), CauseNetworkError, 30*time.Second, 2, callctx.Snapshot{}, time.Now())
	if st.ShouldRetry {
		t.Errorf("expected no retry once prior retries hits max")
	}
}

func TestDecide_NoRetryForNonRetryableCause(t *testing.T) {
	st := Decide(DefaultPolicy(), CauseProviderError, 30*time.Second, 0, callctx.Snapshot{}, time.Now())
	if st.ShouldRetry {
		t.Errorf("expected provider error to not be retryable")
	}
}

func TestDecide_NoRetryForDenylistedOutcome(t *testing.T) {
	for _, outcome := range []string{"hostile", "do_not_call", "wrong_number", "meeting_booked"} {
		snap := callctx.Snapshot{Outcome: outcome}
		st := Decide(DefaultPolicy(), CauseTimeout, 20*time.Second, 0, snap, time.Now())
		if st.ShouldRetry {
			t.Errorf("expected outcome %q to block retry", outcome)
		}
	}
}

func TestClassifyWebSocketError(t *testing.T) {
	cases := []struct {
		unexpectedClose, isTimeout, isNetworkErr bool
		want                                     Cause
	}{
		{isTimeout: true, want: CauseTimeout},
		{isNetworkErr: true, want: CauseNetworkError},
		{unexpectedClose: true, want: CauseWebSocketDisconnect},
		{want: CauseNormalEnd},
	}
	for _, c := range cases {
		got := ClassifyWebSocketError(c.unexpectedClose, c.isTimeout, c.isNetworkErr)
		if got != c.want {
			t.Errorf("ClassifyWebSocketError(%v,%v,%v) = %v, want %v", c.unexpectedClose, c.isTimeout, c.isNetworkErr, got, c.want)
		}
	}
}
