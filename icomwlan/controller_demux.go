package icomwlan

import (
	"fmt"

	"github.com/cwsl/icomwlan/internal/protocol"
)

// demux is the single inbound entry point for all three sockets,
// dispatching on (length, sessionKind) per spec.md §4.7's demux table.
// It always runs on the controller's actor goroutine (see NewController's
// readLoop callbacks), so every handler below may touch Controller and
// Session state directly.
func (c *Controller) demux(kind sessionKind, sess *Session, data []byte) {
	sess.markReceived()

	switch len(data) {
	case protocol.SizeControl:
		h, err := protocol.ParseHeader(data)
		if err != nil {
			return
		}
		c.handleControlFrame(kind, sess, h)
	case protocol.SizePing:
		c.handlePing(sess, data)
	case protocol.SizeOpenClose:
		// A CI-V payload of length 1 and an OpenClose packet are both
		// exactly 22 bytes; the header byte at 0x10 (0xC1 vs 0xC0)
		// disambiguates. OpenClose replies carry no payload to act on.
		if kind == sessionCIV {
			if civ, err := protocol.ParseCIV(data); err == nil {
				c.handleCivPayload(civ)
			}
		}
	case protocol.SizeRetransmit:
		c.handleRetransmitRange(sess, data)
	case protocol.SizeToken:
		c.handleTokenResponse(data)
	case protocol.SizeStatus:
		c.handleStatus(data)
	case protocol.SizeLoginResponse:
		c.handleLoginResponse(data)
	case protocol.SizeConnInfo:
		c.handleConnInfo(data)
	case protocol.SizeCapabilities:
		c.handleCapabilities(data)
	default:
		switch kind {
		case sessionCIV:
			if civ, err := protocol.ParseCIV(data); err == nil {
				c.handleCivPayload(civ)
			}
		case sessionAudio:
			c.handleAudioData(data)
		}
	}
}

// handleControlFrame handles every 16-byte control packet. The same
// type code (TypeAreYouReady) names both ARE_YOU_READY and I_AM_READY,
// since only direction distinguishes them; inbound, it is always the
// radio's I_AM_READY reply.
func (c *Controller) handleControlFrame(kind sessionKind, sess *Session, h protocol.Header) {
	switch h.Type {
	case protocol.TypeIAmHere:
		if c.attempt == nil {
			return
		}
		switch kind {
		case sessionControl:
			pushOnce(c.attempt.iAmHere, h)
		case sessionCIV:
			pushOnce(c.attempt.civIAmHere, h)
		case sessionAudio:
			pushOnce(c.attempt.audioIAmHere, h)
		}
	case protocol.TypeAreYouReady:
		if c.attempt == nil {
			return
		}
		switch kind {
		case sessionControl:
			pushOnce(c.attempt.iAmReady, struct{}{})
		case sessionCIV:
			pushOnce(c.attempt.civIAmReady, struct{}{})
		case sessionAudio:
			pushOnce(c.attempt.audioIAmReady, struct{}{})
		}
	case protocol.TypeDisconnect:
		if c.phase == PhaseConnected {
			go c.beginReconnect("radio sent DISCONNECT")
		}
	case protocol.TypeRetransmit:
		_ = sess.Retransmit(h.Seq)
		c.metrics.incRetransmits(kind.String())
	case protocol.TypeNull, protocol.TypeAreYouThere:
		// Keep-alive traffic only; markReceived in demux already
		// covers liveness tracking.
	}
}

// handlePing answers an inbound ping request with a reply carrying the
// same timestamp. An inbound reply to our own ping advances ping_seq,
// per spec.md §4.7's demux table; the request side stamps the current
// ping_seq onto the wire but does not itself advance the counter.
func (c *Controller) handlePing(sess *Session, data []byte) {
	p, err := protocol.ParsePing(data)
	if err != nil {
		return
	}
	if p.IsReply {
		sess.pingSeq++
		return
	}
	reply := protocol.Ping{
		Header:    protocol.Header{SentID: sess.LocalID(), RcvdID: sess.RemoteID()},
		IsReply:   true,
		RequestTS: p.RequestTS,
	}
	_ = sess.SendUntracked(protocol.BuildPing(reply))
}

func (c *Controller) handleRetransmitRange(sess *Session, data []byte) {
	_, seqs, err := protocol.ParseRetransmitRange(data)
	if err != nil {
		return
	}
	for _, seq := range seqs {
		_ = sess.Retransmit(seq)
	}
	c.metrics.incRetransmits(sess.kind.String())
}

// handleTokenResponse watches for the sentinel rejection value; a
// successful confirm/renewal response needs no further action.
func (c *Controller) handleTokenResponse(data []byte) {
	tok, err := protocol.ParseToken(data)
	if err != nil {
		return
	}
	if tok.Response == protocol.TokenRenewalRejected && c.phase == PhaseConnected {
		go c.beginReconnect("token renewal rejected")
	}
}

// handleStatus routes a Status packet to the in-flight attempt during
// bring-up, or treats connected=false as a live-session failure signal
// once already CONNECTED, per spec.md §4.7's dual semantics for this
// packet.
func (c *Controller) handleStatus(data []byte) {
	s, err := protocol.ParseStatus(data)
	if err != nil {
		return
	}
	emit(c.events.Status, StatusEvent{CivPort: s.CivPort, AudioPort: s.AudioPort, AuthOK: s.Error == 0, Connected: s.Connected})

	if c.attempt != nil {
		pushOnce(c.attempt.status, s)
		return
	}
	if c.phase == PhaseConnected && !s.Connected {
		go c.beginReconnect("status reported connected=false")
	}
}

func (c *Controller) handleLoginResponse(data []byte) {
	if c.attempt == nil {
		return
	}
	lr, err := protocol.ParseLoginResponse(data)
	if err != nil {
		return
	}
	pushOnce(c.attempt.loginResp, lr)
}

// handleConnInfo routes to the in-flight attempt during bring-up. A
// post-connect resend (the radio re-announcing ConnInfo without a
// fresh handshake) is answered with the same reply we already sent.
func (c *Controller) handleConnInfo(data []byte) {
	ci, err := protocol.ParseConnInfo(data)
	if err != nil {
		return
	}
	if c.attempt != nil {
		pushOnce(c.attempt.connInfo, ci)
		return
	}
	if c.haveLastConnInfo && c.control != nil {
		reply := c.lastConnInfo
		reply.RadioMAC = ci.RadioMAC
		reply.RigName = ci.RigName
		_ = c.control.SendTracked(protocol.BuildConnInfoReply(reply, c.cfg.Control.Username))
	}
}

func (c *Controller) handleCapabilities(data []byte) {
	rc, err := protocol.ParseCapabilities(data)
	if err != nil {
		return
	}
	c.civAddress = rc.CivAddress
	c.audioName = rc.AudioName
	c.supportTX = rc.SupportTX
	emit(c.events.Capabilities, CapabilitiesEvent{CivAddress: rc.CivAddress, AudioName: rc.AudioName, SupportTX: rc.SupportTX})
}

func (c *Controller) handleCivPayload(civ protocol.CIV) {
	emit(c.events.Civ, CivEvent{Payload: civ.Payload})
	for _, frame := range c.civReassembler.Feed(civ.Payload) {
		emit(c.events.CivFrame, CivFrameEvent{Frame: frame})
	}
}

func (c *Controller) handleAudioData(data []byte) {
	pcm, err := HandleInbound(data)
	if err != nil {
		if c.cfg.Logging.Verbose {
			emit(c.events.Error, ErrorEvent{Err: fmt.Errorf("icomwlan: inbound audio: %w", err)})
		}
		return
	}
	emit(c.events.Audio, AudioEvent{PCM: pcm})
}
