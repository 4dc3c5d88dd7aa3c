package icomwlan

import (
	"time"

	"github.com/cwsl/icomwlan/internal/protocol"
)

// tokenRenewalInterval is how often the controller re-asserts its
// token with the radio once logged in, per spec.md §4.7's note that
// this timer is Controller-owned rather than part of Session.reset_state.
const tokenRenewalInterval = 60 * time.Second

// startTokenRenewal begins the periodic token renewal ticker. Must be
// called from inside an actor.call, once the control session holds
// both tokens.
func (c *Controller) startTokenRenewal() {
	if c.tokenRenewalTicker != nil {
		return
	}
	c.tokenRenewalTicker = time.NewTicker(tokenRenewalInterval)
	c.tokenRenewalStop = make(chan struct{})
	go func(t *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-t.C:
				c.actor.post(c.sendTokenRenewal)
			case <-stop:
				return
			}
		}
	}(c.tokenRenewalTicker, c.tokenRenewalStop)
}

// stopTokenRenewal stops the renewal ticker. Must be called from
// inside an actor.call.
func (c *Controller) stopTokenRenewal() {
	if c.tokenRenewalTicker == nil {
		return
	}
	c.tokenRenewalTicker.Stop()
	close(c.tokenRenewalStop)
	c.tokenRenewalTicker = nil
}

// sendTokenRenewal re-sends the current tokens with a RENEWAL request
// type. Runs on the actor goroutine (posted by the ticker above).
func (c *Controller) sendTokenRenewal() {
	if c.control == nil {
		return
	}
	local, rig := c.control.Tokens()
	tok := protocol.Token{
		Header:     protocol.Header{SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()},
		Inner:      protocol.NewInnerHeader(uint16(protocol.SizeToken-0x10), c.control.NextInnerSeq(), 0, protocol.TokenRequestRenewal),
		LocalToken: local,
		RigToken:   rig,
	}
	_ = c.control.SendTracked(protocol.BuildToken(tok))
}
