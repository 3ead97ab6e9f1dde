package gateway

import (
	"testing"
	"time"
)

func TestHeartbeatDelay_Bounds(t *testing.T) {
	interval := 41250 * time.Millisecond
	lo := 37125 * time.Millisecond

	for _, jitter := range []float64{0, 0.25, 0.5, 0.999999} {
		d := heartbeatDelay(interval, 0, jitter)
		if d < lo || d >= interval {
			t.Errorf("jitter %v: delay %v outside [%v, %v)", jitter, d, lo, interval)
		}
	}
	if d := heartbeatDelay(interval, 0, 0); d != lo {
		t.Errorf("minimum delay = %v, want %v", d, lo)
	}
}

func TestHeartbeatDelay_SubtractsLatency(t *testing.T) {
	interval := 10 * time.Second
	got := heartbeatDelay(interval, 500*time.Millisecond, 0)
	want := 9000*time.Millisecond - 500*time.Millisecond
	if got != want {
		t.Errorf("delay = %v, want %v", got, want)
	}
}

func TestHeartbeatDelay_NeverNegative(t *testing.T) {
	if d := heartbeatDelay(time.Second, 5*time.Second, 0.1); d != 0 {
		t.Errorf("delay = %v, want 0", d)
	}
}

func TestAckTracker_FIFO(t *testing.T) {
	var a ackTracker
	base := time.Unix(1_700_000_000, 0)
	a.sentAt(base)
	a.sentAt(base.Add(time.Second))

	rtt, ok := a.acked(base.Add(1200 * time.Millisecond))
	if !ok || rtt != 1200*time.Millisecond {
		t.Errorf("first ack rtt = %v ok=%v", rtt, ok)
	}
	rtt, ok = a.acked(base.Add(1300 * time.Millisecond))
	if !ok || rtt != 300*time.Millisecond {
		t.Errorf("second ack rtt = %v ok=%v", rtt, ok)
	}
	if _, ok := a.acked(base); ok {
		t.Error("ack with nothing outstanding should report false")
	}
}

func TestSession_ObserveMonotonic(t *testing.T) {
	var s Session
	s.Observe(5)
	s.Observe(3)
	if s.Sequence != 5 {
		t.Errorf("Sequence = %d, want 5", s.Sequence)
	}
	if s.CanResume() {
		t.Error("CanResume without session id")
	}
	s.ID = "sess"
	if !s.CanResume() {
		t.Error("CanResume with id and sequence")
	}
}

func TestResumeEndpoint(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"wss://gateway-us-east1-b.discord.gg", "wss://gateway-us-east1-b.discord.gg/?encoding=json&v=9&compress=zlib-stream"},
		{"wss://resume.example/?v=10", "wss://resume.example/?v=10"},
		{"::bad", DefaultURL},
	}
	for _, tt := range tests {
		if got := resumeEndpoint(tt.base, DefaultURL); got != tt.want {
			t.Errorf("resumeEndpoint(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestBuildIdentify(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36"
	id := buildIdentify("tok", ua)
	if id.Token != "tok" || id.Capabilities != identifyCapabilities || id.Compress {
		t.Errorf("identify = %+v", id)
	}
	if id.Properties.Browser != "Chrome" || id.Properties.BrowserVersion != "120.0.6099.71" {
		t.Errorf("browser = %s %s", id.Properties.Browser, id.Properties.BrowserVersion)
	}
	if id.Properties.OS != "Windows" || id.Properties.OSVersion != "10" {
		t.Errorf("os = %s %s", id.Properties.OS, id.Properties.OSVersion)
	}
	if id.Properties.ClientLaunchID == "" {
		t.Error("client launch id should be set")
	}
	if other := buildIdentify("tok", ua); other.Properties.ClientLaunchID == id.Properties.ClientLaunchID {
		t.Error("launch id should differ per identify")
	}
}
