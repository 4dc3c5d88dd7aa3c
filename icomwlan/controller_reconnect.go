package icomwlan

import (
	"context"
	"fmt"
	"math"
	"time"
)

// startHealthMonitor begins the periodic liveness check described in
// spec.md §4.8. Must be called from inside an actor.call.
func (c *Controller) startHealthMonitor() {
	if c.healthTicker != nil {
		return
	}
	c.healthTicker = time.NewTicker(c.cfg.Monitor.CheckInterval)
	c.healthStop = make(chan struct{})
	go func(t *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-t.C:
				c.actor.post(c.checkHealth)
			case <-stop:
				return
			}
		}
	}(c.healthTicker, c.healthStop)
}

// stopHealthMonitor stops the liveness ticker. Must be called from
// inside an actor.call.
func (c *Controller) stopHealthMonitor() {
	if c.healthTicker == nil {
		return
	}
	c.healthTicker.Stop()
	close(c.healthStop)
	c.healthTicker = nil
}

// checkHealth compares each session's last-received timestamp against
// the configured timeout and starts a reconnect on the first breach.
// Runs on the actor goroutine (posted by startHealthMonitor's ticker).
func (c *Controller) checkHealth() {
	if c.phase != PhaseConnected {
		return
	}
	now := time.Now()
	for _, s := range []struct {
		name string
		sess *Session
	}{
		{"control", c.control},
		{"civ", c.civSession},
		{"audio", c.audioSession},
	} {
		if s.sess == nil {
			continue
		}
		elapsed := now.Sub(s.sess.LastReceivedAt())
		if elapsed > c.cfg.Monitor.Timeout {
			emit(c.events.ConnectionLost, ConnectionLostEvent{Session: s.name, Elapsed: elapsed})
			go c.beginReconnect(fmt.Sprintf("%s session silent for %s", s.name, elapsed))
			return
		}
	}
}

// beginReconnect moves CONNECTED -> RECONNECTING and launches the
// backoff loop, or performs a full disconnect when auto-reconnect is
// disabled. It is safe to call more than once for the same outage: the
// phase guard makes every call after the first a no-op.
func (c *Controller) beginReconnect(reason string) {
	if !c.cfg.Monitor.AutoReconnect {
		_ = c.Disconnect(reason)
		return
	}

	var started bool
	c.actor.call(func() {
		if c.phase != PhaseConnected {
			return
		}
		c.transitionTo(PhaseReconnecting)
		started = true
	})
	if !started {
		return
	}

	disconnectAt := time.Now()
	c.actor.call(func() {
		c.stopHealthMonitor()
		c.stopTokenRenewal()
		c.lastDisconnectAt = disconnectAt
	})

	go c.reconnectLoop(disconnectAt)
}

// computeBackoff returns the delay before reconnect attempt n (1-based),
// doubling from base and clamped to max.
func computeBackoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := math.Pow(2, float64(n-1))
	d := time.Duration(float64(base) * mult)
	if d > max {
		d = max
	}
	return d
}

// reconnectLoop retries the handshake with exponential backoff until
// it succeeds or MaxReconnectAttempts is exhausted (0 = unbounded), per
// spec.md §4.8. Step 2 of that section disconnects fully and waits 5s
// for drain before every attempt, including retries, not just the
// first, so each iteration re-tears-down the sessions before dialing
// again.
func (c *Controller) reconnectLoop(disconnectAt time.Time) {
	for n := 1; ; n++ {
		if c.cfg.Monitor.MaxReconnectAttempts > 0 && n > c.cfg.Monitor.MaxReconnectAttempts {
			c.actor.call(func() { c.transitionTo(PhaseIdle) })
			return
		}

		c.teardownSessions()
		time.Sleep(5 * time.Second)

		delay := computeBackoff(n, c.cfg.Monitor.BaseDelay, c.cfg.Monitor.MaxDelay)
		emit(c.events.ReconnectAttempting, ReconnectAttemptingEvent{Attempt: n, Delay: delay})
		time.Sleep(delay)

		att := newAttempt(0)
		c.actor.call(func() {
			c.sessionID = c.nextSessionID
			c.nextSessionID++
			att.sessionID = c.sessionID
			c.attempt = att
			sessionID := c.sessionID
			c.abortHandlers[sessionID] = func(reason string) {
				if c.attempt != nil && c.attempt.sessionID == sessionID {
					pushOnce(c.attempt.aborted, reason)
				}
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.performHandshake(ctx, att)
		cancel()

		if err == nil {
			c.actor.call(func() { c.metrics.incReconnects() })
			emit(c.events.ConnectionRestored, ConnectionRestoredEvent{Downtime: time.Since(disconnectAt)})
			return
		}

		if c.GetPhase() != PhaseReconnecting {
			// Disconnect() was called explicitly mid-loop and already
			// settled the phase; stop retrying.
			return
		}

		willRetry := c.cfg.Monitor.MaxReconnectAttempts <= 0 || n < c.cfg.Monitor.MaxReconnectAttempts
		nextDelay := computeBackoff(n+1, c.cfg.Monitor.BaseDelay, c.cfg.Monitor.MaxDelay)
		emit(c.events.ReconnectFailed, ReconnectFailedEvent{Attempt: n, Err: err, WillRetry: willRetry, NextDelay: nextDelay})
		if !willRetry {
			c.actor.call(func() { c.transitionTo(PhaseIdle) })
			return
		}
	}
}
