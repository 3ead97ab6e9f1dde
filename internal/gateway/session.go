package gateway

import "time"

// Session is the resumable identity of one gateway session plus the
// heartbeat bookkeeping of the connection currently carrying it.
type Session struct {
	ID                string
	Sequence          int64
	ResumeURL         string
	HeartbeatInterval time.Duration
	HeartbeatAcked    bool
	Latency           time.Duration
}

// CanResume reports whether there is enough state to send Resume.
func (s *Session) CanResume() bool {
	return s.ID != "" && s.Sequence > 0
}

// Observe records a dispatch sequence number. The sequence never decreases.
func (s *Session) Observe(seq int64) {
	if seq > s.Sequence {
		s.Sequence = seq
	}
}

// ackTracker matches heartbeat acknowledgements to the beats they answer.
type ackTracker struct {
	sent []time.Time
}

func (a *ackTracker) sentAt(t time.Time) {
	a.sent = append(a.sent, t)
}

// acked pops the oldest outstanding beat and returns its round trip.
func (a *ackTracker) acked(now time.Time) (time.Duration, bool) {
	if len(a.sent) == 0 {
		return 0, false
	}
	t := a.sent[0]
	a.sent = a.sent[1:]
	return now.Sub(t), true
}
