// Package recovery classifies how a call session ended, snapshots its
// partial state, and decides whether the lead should be retried.
package recovery

import (
	"time"

	"github.com/northbay-labs/callpilot/internal/callctx"
)

// Cause categorizes why a session ended.
type Cause string

const (
	CauseNormalEnd           Cause = "NORMAL_END"
	CauseWebSocketDisconnect Cause = "WEBSOCKET_DISCONNECT"
	CauseProviderError       Cause = "PROVIDER_ERROR"
	CauseTimeout             Cause = "TIMEOUT"
	CauseNetworkError        Cause = "NETWORK_ERROR"
	CauseUnknown             Cause = "UNKNOWN"
)

// retryableCauses are the only causes that ever warrant a retry.
var retryableCauses = map[Cause]bool{
	CauseWebSocketDisconnect: true,
	CauseNetworkError:        true,
	CauseTimeout:             true,
}

// nonRetryableOutcomes never warrant a retry regardless of cause.
var nonRetryableOutcomes = map[string]bool{
	"hostile":        true,
	"do_not_call":    true,
	"wrong_number":   true,
	"meeting_booked": true,
}

// Policy holds the numeric thresholds governing retry eligibility.
type Policy struct {
	MinDuration time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// DefaultPolicy matches spec: duration >= 10s, retry_count < 2, 5 minute delay.
func DefaultPolicy() Policy {
	return Policy{
		MinDuration: 10 * time.Second,
		MaxRetries:  2,
		RetryDelay:  5 * time.Minute,
	}
}

// State is a snapshot of an in-flight call, persisted when a session ends
// so an operator (or an automated redial) can see exactly what happened.
type State struct {
	CallSID        string
	ThreadID       string
	Cause          Cause
	Duration       time.Duration
	Transcript     []string // fragments/turns observed, in order
	LastAssistant  string
	CallContext    callctx.Snapshot
	PriorRetries   int
	EndedAt        time.Time
	ShouldRetry    bool
	NextAttemptAt  time.Time
}

// Decide applies the four-rule retry policy from the spec and returns a
// State with ShouldRetry/NextAttemptAt populated.
func Decide(policy Policy, cause Cause, duration time.Duration, priorRetries int, callCtx callctx.Snapshot, endedAt time.Time) State {
	should := retryableCauses[cause] &&
		duration >= policy.MinDuration &&
		priorRetries < policy.MaxRetries &&
		!nonRetryableOutcomes[callCtx.Outcome]

	st := State{
		Cause:        cause,
		Duration:     duration,
		CallContext:  callCtx,
		PriorRetries: priorRetries,
		EndedAt:      endedAt,
		ShouldRetry:  should,
	}
	if should {
		st.NextAttemptAt = endedAt.Add(policy.RetryDelay)
	}
	return st
}

// ClassifyWebSocketError maps a transport-level error condition observed by
// the session orchestrator to a Cause. unexpectedClose is true when the
// WebSocket read returned an abnormal/unexpected close error (as opposed to
// a clean client-initiated stop).
func ClassifyWebSocketError(unexpectedClose bool, isTimeout bool, isNetworkErr bool) Cause {
	switch {
	case isTimeout:
		return CauseTimeout
	case isNetworkErr:
		return CauseNetworkError
	case unexpectedClose:
		return CauseWebSocketDisconnect
	default:
		return CauseNormalEnd
	}
}
