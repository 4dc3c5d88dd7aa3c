package icomwlan

import (
	"time"

	"github.com/cwsl/icomwlan/internal/protocol"
)

// civWatchdogTimeout is how long a CI-V sub-session may go without
// receiving a byte before it re-sends an Open keep-alive, per spec.md
// §4.4.
const civWatchdogTimeout = 2000 * time.Millisecond

// CivSubsession is a thin layer over a Session that numbers outbound
// CI-V and OpenClose packets and runs the Open/Close keep-alive
// watchdog described in spec.md §4.4.
type CivSubsession struct {
	session *Session
	civSeq  uint16

	watchdog     *time.Ticker
	watchdogStop chan struct{}
}

// NewCivSubsession wraps session as the CI-V sub-session.
func NewCivSubsession(session *Session) *CivSubsession {
	return &CivSubsession{session: session}
}

// nextCivSeq returns the next CI-V sequence number and advances the
// counter.
func (c *CivSubsession) nextCivSeq() uint16 {
	v := c.civSeq
	c.civSeq++
	return v
}

// reset reinitializes the sub-session's own sequence counter; called
// alongside Session.resetState on every (re)connect attempt.
func (c *CivSubsession) reset() { c.civSeq = 0 }

// Open sends the CI-V keep-alive open packet, typically when the
// sub-session becomes ready.
func (c *CivSubsession) Open() error {
	return c.sendOpenClose(protocol.OpenCloseMagicOpen)
}

// Close sends the CI-V keep-alive close packet, typically during
// shutdown.
func (c *CivSubsession) Close() error {
	return c.sendOpenClose(protocol.OpenCloseMagicClose)
}

func (c *CivSubsession) sendOpenClose(magic byte) error {
	h := protocol.Header{SentID: c.session.LocalID(), RcvdID: c.session.RemoteID()}
	pkt := protocol.BuildOpenClose(protocol.OpenClose{
		Header: h,
		CivLen: 1,
		CivSeq: c.nextCivSeq(),
		Magic:  magic,
	})
	return c.session.SendTracked(pkt)
}

// SendCIV transports a raw CI-V frame (caller-supplied FE FE ... FD
// bytes) over the CI-V sub-session.
func (c *CivSubsession) SendCIV(payload []byte) error {
	h := protocol.Header{SentID: c.session.LocalID(), RcvdID: c.session.RemoteID()}
	pkt := protocol.BuildCIV(h, c.nextCivSeq(), payload)
	return c.session.SendTracked(pkt)
}

// StartWatchdog begins the Open/Close keep-alive watchdog: every 500ms,
// if more than civWatchdogTimeout has passed since this session last
// received a byte, re-send an Open packet. This prevents silent death
// when the radio stops speaking CI-V without closing.
func (c *CivSubsession) StartWatchdog(tick func(func())) {
	if c.watchdog != nil {
		return
	}
	c.watchdog = time.NewTicker(500 * time.Millisecond)
	c.watchdogStop = make(chan struct{})
	go func(t *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-t.C:
				tick(func() {
					if time.Since(c.session.LastReceivedAt()) > civWatchdogTimeout {
						_ = c.Open()
					}
				})
			case <-stop:
				return
			}
		}
	}(c.watchdog, c.watchdogStop)
}

// StopWatchdog stops the keep-alive watchdog.
func (c *CivSubsession) StopWatchdog() {
	if c.watchdog == nil {
		return
	}
	c.watchdog.Stop()
	close(c.watchdogStop)
	c.watchdog = nil
}
