// Package server implements the per-session abuse tracker that decides
// whether each received chunk is forwarded, struck, or triggers a ban.
package server

import "time"

// Decision classifies the outcome of processing one received chunk.
// Violations are decisions, not errors.
type Decision int

const (
	// Forward delivers the chunk to every other client.
	Forward Decision = iota + 1
	// Strike records a malformed-input violation and drops the chunk.
	Strike
	// Ban excludes the client's address and tears the session down.
	Ban
)

// String returns the decision name for log output.
func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case Strike:
		return "strike"
	case Ban:
		return "ban"
	default:
		return "unknown"
	}
}

// AbusePolicy holds the thresholds the tracker applies.
type AbusePolicy struct {
	MessageRate     float64
	BanMessageLimit int
	StrikeLimit     int
}

// AbuseTracker keeps per-session message and strike counters. Each tracker
// is written only by the session that owns it, so it needs no locking.
type AbuseTracker struct {
	policy       AbusePolicy
	messageCount int
	strikeCount  int
	lastMessage  time.Time
}

// NewAbuseTracker creates a tracker whose inter-message gap measurement
// starts at now.
func NewAbuseTracker(policy AbusePolicy, now time.Time) *AbuseTracker {
	return &AbuseTracker{
		policy:      policy,
		lastMessage: now,
	}
}

// OnValidMessage records an accepted chunk at time now. Once the message
// count exceeds BanMessageLimit the gap since the last accepted message is
// checked against the configured rate: a gap shorter than 1/MessageRate is a
// ban, a longer one resets the counter so chatty-but-slow clients survive.
// Any non-ban outcome resets the strike count.
func (t *AbuseTracker) OnValidMessage(now time.Time) Decision {
	t.messageCount++
	if t.messageCount > t.policy.BanMessageLimit {
		if now.Sub(t.lastMessage).Seconds() < 1/t.policy.MessageRate {
			return Ban
		}
		t.messageCount = 0
	}
	t.lastMessage = now
	t.strikeCount = 0
	return Forward
}

// OnInvalidMessage records a malformed chunk. The session survives until
// StrikeLimit consecutive strikes accumulate.
func (t *AbuseTracker) OnInvalidMessage() Decision {
	t.strikeCount++
	if t.strikeCount >= t.policy.StrikeLimit {
		return Ban
	}
	return Strike
}

// Strikes returns the current consecutive-strike count.
func (t *AbuseTracker) Strikes() int {
	return t.strikeCount
}
