package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/metrics"
)

// heartbeatDelay returns interval × (0.9 + 0.1·jitter) − latency, clamped at
// zero. jitter must be in [0, 1).
func heartbeatDelay(interval, latency time.Duration, jitter float64) time.Duration {
	d := time.Duration(float64(interval)*(0.9+0.1*jitter)) - latency
	if d < 0 {
		return 0
	}
	return d
}

// heartbeatLoop sends a heartbeat on every jittered tick until ctx ends.
// A tick that finds the previous beat unacknowledged, or no inbound traffic
// for a whole interval, fails the link with CloseReconnect.
func (c *Conn) heartbeatLoop(ctx context.Context, l *link, interval time.Duration) {
	defer l.wg.Done()

	for {
		c.mu.Lock()
		latency := c.session.Latency
		c.mu.Unlock()

		timer := time.NewTimer(heartbeatDelay(interval, latency, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		acked := c.session.HeartbeatAcked
		c.mu.Unlock()
		silent := c.now().Sub(l.lastRecv()) > interval

		if !acked || silent {
			reason := "heartbeat not acknowledged"
			if acked {
				reason = "no inbound traffic within heartbeat interval"
			}
			c.fail(l, CloseReconnect, reason)
			return
		}

		if err := c.sendHeartbeat(l); err != nil {
			c.fail(l, CloseReconnect, "send heartbeat: "+err.Error())
			return
		}

		if l.lock != nil {
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := l.lock.Refresh(rctx, c.lockTTL)
			cancel()
			if errors.Is(err, coord.ErrNotObtained) {
				c.log.Warn().Msg("connect lock lost, another process owns this account")
				c.abandon(l)
				return
			}
			if err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("refresh connect lock")
			}
		}
	}
}

// sendHeartbeat writes op 1 with the last seen sequence.
func (c *Conn) sendHeartbeat(l *link) error {
	c.mu.Lock()
	var seq any
	if c.session.Sequence > 0 {
		seq = c.session.Sequence
	}
	c.session.HeartbeatAcked = false
	c.mu.Unlock()

	l.acks.Lock()
	l.tracker.sentAt(c.now())
	l.acks.Unlock()
	return l.write(outbound{Op: OpHeartbeat, D: seq})
}

// handleAck records the round trip of the oldest outstanding heartbeat.
func (c *Conn) handleAck(l *link) {
	l.acks.Lock()
	rtt, ok := l.tracker.acked(c.now())
	l.acks.Unlock()

	c.mu.Lock()
	c.session.HeartbeatAcked = true
	if ok {
		c.session.Latency = rtt
	}
	c.mu.Unlock()
	if ok {
		metrics.HeartbeatLatency.WithLabelValues(c.accountID).Set(rtt.Seconds())
	}
}
