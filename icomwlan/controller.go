package icomwlan

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/cwsl/icomwlan/internal/protocol"
)

// attempt holds the readiness channels for one in-flight connect
// attempt, keyed by sessionID. A late signal for a superseded attempt
// is simply never read, per spec.md §3's "session_id prevents a late
// completion from an aborted attempt from affecting the current one."
type attempt struct {
	sessionID uint64

	// correlationID ties every log line emitted during this attempt
	// together, independent of sessionID reuse across reconnects.
	correlationID string

	iAmHere   chan protocol.Header
	iAmReady  chan struct{}
	loginResp chan protocol.LoginResponse
	connInfo  chan protocol.ConnInfo
	status    chan protocol.Status

	civIAmHere    chan protocol.Header
	civIAmReady   chan struct{}
	audioIAmHere  chan protocol.Header
	audioIAmReady chan struct{}

	aborted chan string
	done    chan struct{}
	err     error
}

func newAttempt(sessionID uint64) *attempt {
	return &attempt{
		sessionID:     sessionID,
		correlationID: uuid.New().String(),
		iAmHere:       make(chan protocol.Header, 1),
		iAmReady:      make(chan struct{}, 1),
		loginResp:     make(chan protocol.LoginResponse, 1),
		connInfo:      make(chan protocol.ConnInfo, 1),
		status:        make(chan protocol.Status, 4),
		civIAmHere:    make(chan protocol.Header, 1),
		civIAmReady:   make(chan struct{}, 1),
		audioIAmHere:  make(chan protocol.Header, 1),
		audioIAmReady: make(chan struct{}, 1),
		aborted:       make(chan string, 1),
		done:          make(chan struct{}),
	}
}

func pushOnce[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Controller owns the three Sessions, the connection state machine,
// and the inbound demux described in spec.md §4.7.
type Controller struct {
	actor   *actor
	cfg     Config
	metrics *Metrics
	events  *Events

	remoteAddr *net.UDPAddr

	control      *Session
	civSession   *Session
	audioSession *Session

	civEndpoint   *endpoint
	audioEndpoint *endpoint

	civSub         *CivSubsession
	audioSub       *AudioSubsession
	civReassembler *CivReassembler

	phase         Phase
	nextSessionID uint64
	sessionID     uint64
	startedAt     time.Time
	lastDisconnectAt time.Time

	civAddress byte
	audioName  string
	supportTX  bool

	attempt       *attempt
	abortHandlers map[uint64]func(reason string)

	haveLastConnInfo bool
	lastConnInfo     protocol.ConnInfo

	tokenRenewalTicker *time.Ticker
	tokenRenewalStop   chan struct{}

	healthTicker *time.Ticker
	healthStop   chan struct{}
}

// NewController binds the CI-V and Audio sub-session sockets up front
// (spec.md §4.7: "so the OS assigns local ports; these ports are later
// reported to the radio inside ConnInfo") and leaves the control
// socket unopened until the first connect().
func NewController(cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	remoteAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port))
	if err != nil {
		return nil, fmt.Errorf("icomwlan: resolve control address: %w", err)
	}

	civEP, err := newEndpoint(0)
	if err != nil {
		return nil, err
	}
	audioEP, err := newEndpoint(0)
	if err != nil {
		civEP.Close()
		return nil, err
	}

	c := &Controller{
		actor:          newActor(),
		cfg:            cfg,
		metrics:        NewMetrics(),
		events:         NewEvents(),
		remoteAddr:     remoteAddr,
		civEndpoint:    civEP,
		audioEndpoint:  audioEP,
		civSession:     newSession(sessionCIV, civEP),
		audioSession:   newSession(sessionAudio, audioEP),
		phase:          PhaseIdle,
		abortHandlers:  make(map[uint64]func(reason string)),
		civReassembler: NewCivReassembler(),
	}
	c.civSub = NewCivSubsession(c.civSession)
	c.audioSub = NewAudioSubsession(c.audioSession)
	c.audioSub.SetVolume(cfg.Audio.Volume)
	c.audioSub.SetSilenceFrameCounts(cfg.Audio.LeadingSilenceFrames, cfg.Audio.TrailingSilenceFrames)

	go civEP.readLoop(
		func(d datagram) { c.actor.post(func() { c.demux(sessionCIV, c.civSession, d.data) }) },
		func(err error) { c.reportTransportError(err) },
	)
	go audioEP.readLoop(
		func(d datagram) { c.actor.post(func() { c.demux(sessionAudio, c.audioSession, d.data) }) },
		func(err error) { c.reportTransportError(err) },
	)

	return c, nil
}

func (c *Controller) reportTransportError(err error) {
	c.actor.post(func() { emit(c.events.Error, ErrorEvent{Err: err}) })
}

// Connect implements the idempotent connect() described in spec.md
// §4.7: CONNECTED returns immediately, CONNECTING/RECONNECTING waits
// for the in-flight attempt, DISCONNECTING fails, and only IDLE starts
// a fresh attempt.
func (c *Controller) Connect(ctx context.Context) error {
	var (
		wantStart bool
		waitAtt   *attempt
		immediate error
		newAtt    *attempt
	)
	c.actor.call(func() {
		switch c.phase {
		case PhaseConnected:
		case PhaseConnecting, PhaseReconnecting:
			waitAtt = c.attempt
		case PhaseDisconnecting:
			immediate = &errNotIdle{phase: c.phase}
		case PhaseIdle:
			wantStart = true
			c.sessionID = c.nextSessionID
			c.nextSessionID++
			newAtt = newAttempt(c.sessionID)
			c.attempt = newAtt
			sessionID := c.sessionID
			c.abortHandlers[sessionID] = func(reason string) {
				if c.attempt != nil && c.attempt.sessionID == sessionID {
					pushOnce(c.attempt.aborted, reason)
				}
			}
			c.transitionTo(PhaseConnecting)
			c.startedAt = time.Now()
		}
	})
	switch {
	case immediate != nil:
		return immediate
	case wantStart:
		err := c.performHandshake(ctx, newAtt)
		if err != nil {
			c.actor.call(func() { c.transitionTo(PhaseIdle) })
		}
		return err
	case waitAtt != nil:
		<-waitAtt.done
		return waitAtt.err
	default:
		return nil
	}
}

// failAttempt records err on att and releases the attempt's bookkeeping.
// It deliberately does not touch c.phase: a fresh connect() attempt's
// failure should fall back to IDLE, but a reconnect attempt's failure
// should stay in RECONNECTING until the retry budget is exhausted —
// the two callers (Connect and reconnectLoop) each decide that for
// themselves after this returns.
func (c *Controller) failAttempt(att *attempt, err error) error {
	c.actor.call(func() {
		if c.attempt == att {
			c.attempt = nil
		}
		delete(c.abortHandlers, att.sessionID)
	})
	att.err = err
	close(att.done)
	log.Printf("icomwlan: attempt %s (session %d) failed: %v", att.correlationID, att.sessionID, err)
	emit(c.events.Error, ErrorEvent{Err: err})
	return err
}

// succeedAttempt transitions to CONNECTED and starts the health
// monitor, per spec.md §4.7 step 8.
func (c *Controller) succeedAttempt(att *attempt) {
	c.actor.call(func() {
		if c.attempt == att {
			c.attempt = nil
		}
		delete(c.abortHandlers, att.sessionID)
		c.transitionTo(PhaseConnected)
		c.startHealthMonitor()
	})
	close(att.done)
	log.Printf("icomwlan: attempt %s (session %d) connected", att.correlationID, att.sessionID)
}

// performHandshake drives spec.md §4.7 steps 1-8. It runs on the
// caller's goroutine (Connect's caller, or the reconnect loop's
// goroutine), suspending at the readiness awaits spec.md §5 explicitly
// permits; every state mutation along the way happens inside an
// actor.call so it is serialized with inbound demux processing.
func (c *Controller) performHandshake(ctx context.Context, att *attempt) error {
	overall, cancelOverall := context.WithTimeout(ctx, 30*time.Second)
	defer cancelOverall()

	log.Printf("icomwlan: attempt %s (session %d) starting handshake", att.correlationID, att.sessionID)

	c.actor.call(func() {
		ep, err := newEndpoint(0)
		if err != nil {
			att.err = err
			return
		}
		if c.control != nil {
			_ = c.control.Close()
		}
		c.control = newSession(sessionControl, ep)
		c.control.SetPeer(c.remoteAddr)
		go ep.readLoop(
			func(d datagram) { c.actor.post(func() { c.demux(sessionControl, c.control, d.data) }) },
			func(err error) { c.reportTransportError(err) },
		)
		c.civSession.resetState()
		c.civSub.reset()
		c.audioSession.resetState()
		c.audioSub.reset()
		c.control.StartAreYouThere(c.actor.post)
	})
	if att.err != nil {
		return c.failAttempt(att, fmt.Errorf("icomwlan: open control socket: %w", att.err))
	}

	// Step 2: wait for I_AM_HERE, then ARE_YOU_READY.
	select {
	case h := <-att.iAmHere:
		c.actor.call(func() {
			c.control.StopAreYouThere()
			c.control.SetRemoteID(h.SentID)
			c.control.StartPing(c.actor.post)
			hdr := protocol.Header{Type: protocol.TypeAreYouReady, SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()}
			_ = c.control.SendTracked(protocol.BuildControl(hdr))
		})
	case reason := <-att.aborted:
		return c.failAttempt(att, &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting})
	case <-overall.Done():
		return c.failAttempt(att, &TimeoutError{Phase: PhaseConnecting, Waited: "30s"})
	}

	// Step 3: wait for I_AM_READY, then send Login.
	select {
	case <-att.iAmReady:
		c.actor.call(func() {
			innerSeq := c.control.NextInnerSeq()
			login := protocol.Login{
				Header:     protocol.Header{SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()},
				Inner:      protocol.NewInnerHeader(uint16(protocol.SizeLogin-0x10), innerSeq, 0, 0),
				Username:   c.cfg.Control.Username,
				Password:   c.cfg.Control.Password,
				ClientName: c.cfg.Control.ClientName,
			}
			_ = c.control.SendTracked(protocol.BuildLogin(login))
			c.control.StartIdle(c.actor.post)
		})
	case reason := <-att.aborted:
		return c.failAttempt(att, &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting})
	case <-overall.Done():
		return c.failAttempt(att, &TimeoutError{Phase: PhaseConnecting, Waited: "30s"})
	}

	// Step 4: wait for LoginResponse.
	var localToken uint16
	select {
	case lr := <-att.loginResp:
		if lr.Error != 0 {
			emit(c.events.Login, LoginEvent{OK: false, ErrorCode: lr.Error})
			return c.failAttempt(att, &AuthError{Code: lr.Error})
		}
		emit(c.events.Login, LoginEvent{OK: true, ConnectionString: lr.ConnectionString})
		logConnectionStringVersion(lr.ConnectionString)
		c.actor.call(func() {
			localToken = uint16(time.Now().UnixNano())
			c.control.SetTokens(localToken, lr.Token)
			tok := protocol.Token{
				Header:     protocol.Header{SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()},
				Inner:      protocol.NewInnerHeader(uint16(protocol.SizeToken-0x10), c.control.NextInnerSeq(), 0, protocol.TokenRequestConfirm),
				LocalToken: localToken,
				RigToken:   lr.Token,
			}
			_ = c.control.SendTracked(protocol.BuildToken(tok))
			c.startTokenRenewal()
		})
	case reason := <-att.aborted:
		return c.failAttempt(att, &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting})
	case <-overall.Done():
		return c.failAttempt(att, &TimeoutError{Phase: PhaseConnecting, Waited: "30s"})
	}

	// Phased timeout: CIV+Audio bring-up gets its own 10s clock from
	// here, per spec.md §4.7.
	bringup, cancelBringup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelBringup()

	// Step 5: wait for ConnInfo, then reply with our port assignment.
	select {
	case ci := <-att.connInfo:
		c.actor.call(func() {
			reply := protocol.ConnInfo{
				Header:       protocol.Header{SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()},
				Inner:        protocol.NewInnerHeader(uint16(protocol.SizeConnInfo-0x10), c.control.NextInnerSeq(), 0, 0),
				RadioMAC:     ci.RadioMAC,
				RigName:      ci.RigName,
				RXSampleRate: 12000,
				TXSampleRate: 12000,
				CivPort:      uint16(c.civSession.LocalPort()),
				AudioPort:    uint16(c.audioSession.LocalPort()),
				TXBufferSize: 0x96,
			}
			c.lastConnInfo = reply
			c.haveLastConnInfo = true
			_ = c.control.SendTracked(protocol.BuildConnInfoReply(reply, c.cfg.Control.Username))
		})
	case reason := <-att.aborted:
		return c.failAttempt(att, &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting})
	case <-bringup.Done():
		return c.failAttempt(att, &TimeoutError{Phase: PhaseConnecting, Waited: "10s"})
	}

	// Step 6: wait for a Status carrying non-zero ports; zero-port
	// Status packets occur during busy/retry and are ignored here
	// (still published as an event by the demux).
statusWait:
	for {
		select {
		case s := <-att.status:
			if !s.Connected {
				return c.failAttempt(att, &ConnectionAborted{Reason: "status connected=false", SessionID: att.sessionID, Phase: PhaseConnecting})
			}
			if s.CivPort == 0 || s.AudioPort == 0 {
				continue
			}
			c.actor.call(func() {
				c.civSession.SetPeer(&net.UDPAddr{IP: c.remoteAddr.IP, Port: int(s.CivPort)})
				c.audioSession.SetPeer(&net.UDPAddr{IP: c.remoteAddr.IP, Port: int(s.AudioPort)})
				c.civSession.StartAreYouThere(c.actor.post)
				c.audioSession.StartAreYouThere(c.actor.post)
			})
			break statusWait
		case reason := <-att.aborted:
			return c.failAttempt(att, &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting})
		case <-bringup.Done():
			return c.failAttempt(att, &TimeoutError{Phase: PhaseConnecting, Waited: "10s"})
		}
	}

	// Step 7: bring up CI-V and Audio sub-sessions concurrently, each
	// independently running AYT -> I_AM_HERE -> ARE_YOU_READY -> I_AM_READY.
	civErrCh := make(chan error, 1)
	audioErrCh := make(chan error, 1)
	go func() { civErrCh <- c.bringUpSub(bringup, att, c.civSession, att.civIAmHere, att.civIAmReady) }()
	go func() { audioErrCh <- c.bringUpSub(bringup, att, c.audioSession, att.audioIAmHere, att.audioIAmReady) }()
	civErr := <-civErrCh
	audioErr := <-audioErrCh
	if civErr != nil {
		return c.failAttempt(att, civErr)
	}
	if audioErr != nil {
		return c.failAttempt(att, audioErr)
	}

	c.actor.call(func() {
		_ = c.civSub.Open()
		c.civSession.StartIdle(c.actor.post)
		c.civSub.StartWatchdog(c.actor.post)
		c.audioSub.Start(c.actor.post)
		c.audioSession.StartIdle(c.actor.post)
	})

	// Step 8: all three sub-sessions ready.
	c.succeedAttempt(att)
	return nil
}

// bringUpSub runs one sub-session's AYT -> I_AM_HERE -> ARE_YOU_READY
// -> I_AM_READY handshake, per spec.md §4.7 step 7.
func (c *Controller) bringUpSub(ctx context.Context, att *attempt, sess *Session, iAmHere chan protocol.Header, iAmReady chan struct{}) error {
	select {
	case h := <-iAmHere:
		c.actor.call(func() {
			sess.StopAreYouThere()
			sess.SetRemoteID(h.SentID)
			hdr := protocol.Header{Type: protocol.TypeAreYouReady, SentID: sess.LocalID(), RcvdID: sess.RemoteID()}
			_ = sess.SendTracked(protocol.BuildControl(hdr))
		})
	case reason := <-att.aborted:
		return &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting}
	case <-ctx.Done():
		return &TimeoutError{Phase: PhaseConnecting, Waited: "10s"}
	}
	select {
	case <-iAmReady:
		return nil
	case reason := <-att.aborted:
		return &ConnectionAborted{Reason: reason, SessionID: att.sessionID, Phase: PhaseConnecting}
	case <-ctx.Done():
		return &TimeoutError{Phase: PhaseConnecting, Waited: "10s"}
	}
}

// logConnectionStringVersion best-effort parses the LoginResponse
// connection string as a dotted version, logging it as a compatibility
// hint. The field is not guaranteed to be a version string, so a parse
// failure is swallowed rather than surfaced.
func logConnectionStringVersion(s string) {
	if s == "" {
		return
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return
	}
	log.Printf("icomwlan: radio connection string parses as version %s", v)
}

// Disconnect is the single cancellation primitive described in
// spec.md §5. It is idempotent: repeated calls while DISCONNECTING
// simply return once the prior call has settled the phase to IDLE.
func (c *Controller) Disconnect(reason string) error {
	var (
		doAbort    func(string)
		fullTeardown bool
	)
	c.actor.call(func() {
		switch c.phase {
		case PhaseIdle:
		case PhaseReconnecting:
			// RECONNECTING has no legal path through DISCONNECTING
			// (see legalTransitions): abort straight to IDLE.
			doAbort = c.abortHandlers[c.sessionID]
			c.transitionTo(PhaseIdle)
		case PhaseConnecting:
			doAbort = c.abortHandlers[c.sessionID]
			c.transitionTo(PhaseDisconnecting)
		case PhaseConnected:
			fullTeardown = true
			c.transitionTo(PhaseDisconnecting)
		case PhaseDisconnecting:
		}
	})
	if doAbort != nil {
		doAbort(reason)
	}
	if fullTeardown {
		c.teardownSessions()
	}
	c.actor.call(func() {
		if c.phase == PhaseDisconnecting {
			c.transitionTo(PhaseIdle)
			c.lastDisconnectAt = time.Now()
		}
	})
	return nil
}

// teardownSessions sends DISCONNECT, stops every timer, and closes the
// control socket, leaving the CI-V/Audio sockets bound for the next
// connect() attempt. Shutdown tears down timers before sockets, per
// spec.md §3's lifecycle note.
func (c *Controller) teardownSessions() {
	c.actor.call(func() {
		if c.control != nil {
			hdr := protocol.Header{Type: protocol.TypeDisconnect, SentID: c.control.LocalID(), RcvdID: c.control.RemoteID()}
			_ = c.control.SendTracked(protocol.BuildControl(hdr))
		}
	})
	c.actor.call(func() {
		c.stopHealthMonitor()
		c.stopTokenRenewal()
		c.civSub.StopWatchdog()
		c.audioSub.Stop()
		c.civSession.StopAreYouThere()
		c.civSession.StopPing()
		c.civSession.StopIdle()
		c.audioSession.StopAreYouThere()
		c.audioSession.StopPing()
		c.audioSession.StopIdle()
		if c.control != nil {
			_ = c.control.Close()
			c.control = nil
		}
	})
}

// Close disconnects (as Disconnect does), then permanently releases the
// CI-V and Audio sockets and stops the controller's actor.
func (c *Controller) Close() error {
	_ = c.Disconnect("shutdown")
	err1 := c.civEndpoint.Close()
	err2 := c.audioEndpoint.Close()
	c.actor.stop()
	if err1 != nil {
		return err1
	}
	return err2
}

// SendCIV transports a raw CI-V frame over the CI-V sub-session.
func (c *Controller) SendCIV(payload []byte) error {
	var err error
	c.actor.call(func() { err = c.civSub.SendCIV(payload) })
	return err
}

// EnqueueAudioPCM16 queues caller-supplied PCM16 samples for
// transmission on the next scheduler ticks.
func (c *Controller) EnqueueAudioPCM16(samples []int16) {
	c.actor.call(func() { c.audioSub.EnqueuePCM16(samples) })
}

// EnqueueAudioFloat32 queues Float32 samples, scaled and clipped per
// spec.md §4.5, optionally preceded by leading silence.
func (c *Controller) EnqueueAudioFloat32(samples []float32, leadingSilence bool) {
	c.actor.call(func() { c.audioSub.EnqueueFloat32(samples, leadingSilence) })
}

// PTTOff pushes trailing silence onto the audio queue without stopping
// the scheduler.
func (c *Controller) PTTOff() {
	c.actor.call(func() { c.audioSub.PTTOff() })
}

// GetPhase returns the current connection phase.
func (c *Controller) GetPhase() Phase {
	var p Phase
	c.actor.call(func() { p = c.phase })
	return p
}

// GetMetrics returns a point-in-time metrics snapshot, refreshing the
// gauges that are cheapest to compute on read (audio jitter, tracked
// sequence numbers, frames sent) before snapshotting.
func (c *Controller) GetMetrics() MetricsSnapshot {
	var snap MetricsSnapshot
	c.actor.call(func() {
		meanMS, stddevMS := c.audioSub.DriftStats()
		c.metrics.setAudioJitter(meanMS, stddevMS)
		c.metrics.setFramesSent(c.audioSub.FramesSent())
		if c.control != nil {
			c.metrics.setTrackedSeq("control", c.control.TrackedSeq())
		}
		c.metrics.setTrackedSeq("civ", c.civSession.TrackedSeq())
		c.metrics.setTrackedSeq("audio", c.audioSession.TrackedSeq())
		snap = c.metrics.Snapshot()
	})
	return snap
}

// ConfigureMonitor updates the health monitor's live configuration.
func (c *Controller) ConfigureMonitor(m MonitorConfig) {
	c.actor.call(func() { c.cfg.Monitor = m })
}

// Capabilities returns the most recently learned radio capabilities
// (CI-V address, audio stream name, TX support), valid once a
// CapabilitiesEvent has been observed.
func (c *Controller) Capabilities() (civAddress byte, audioName string, supportTX bool) {
	c.actor.call(func() {
		civAddress = c.civAddress
		audioName = c.audioName
		supportTX = c.supportTX
	})
	return
}
