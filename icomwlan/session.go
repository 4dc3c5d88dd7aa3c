package icomwlan

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cwsl/icomwlan/internal/protocol"
)

// sessionKind names which of the three coordinated UDP sessions a
// Session value represents. The demux dispatches on it, and it labels
// metrics.
type sessionKind int

const (
	sessionControl sessionKind = iota
	sessionCIV
	sessionAudio
)

func (k sessionKind) String() string {
	switch k {
	case sessionControl:
		return "control"
	case sessionCIV:
		return "civ"
	case sessionAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// innerSeqStart is the starting value for the per-session inner
// sequence counter embedded in token/login/conninfo payloads.
const innerSeqStart = 0x30

// Session is the per-endpoint state machine described in spec.md §3:
// local/remote identifiers, tracked sequence numbering, retransmission
// history, and the AYT/Ping/Idle timers that keep it alive.
//
// A Session owns exactly one UDP socket (endpoint) and is driven from
// the owning Controller's actor goroutine; it has no internal locking
// because spec.md §5 guarantees it is never called concurrently with
// itself.
type Session struct {
	kind sessionKind
	ep   *endpoint
	peer *net.UDPAddr

	localID      uint32
	remoteID     uint32
	localToken   uint16
	rigToken     uint32
	trackedSeq   uint16
	pingSeq      uint16
	innerSeq     uint16
	txHistory    map[uint16][]byte
	lastSentAt   time.Time
	lastReceivedAt time.Time
	sendEnabled  bool

	ayt  *time.Ticker
	ping *time.Ticker
	idle *time.Ticker
	aytStop, pingStop, idleStop chan struct{}
	wg sync.WaitGroup

	// onAYT/onPing let the owner observe traffic without the
	// Session reaching back into Controller state directly (spec.md §9:
	// "this is a tree, not a cycle").
	onAYT  func(h protocol.Header)
	onPing func(p protocol.Ping)
}

// newSession constructs a Session bound to ep, talking to peer (which
// may be nil until learned, e.g. before Status assigns the CI-V/Audio
// remote port).
func newSession(kind sessionKind, ep *endpoint) *Session {
	s := &Session{kind: kind, ep: ep}
	s.resetState()
	return s
}

// SetPeer sets or updates the session's remote address.
func (s *Session) SetPeer(peer *net.UDPAddr) { s.peer = peer }

// Peer returns the session's current remote address.
func (s *Session) Peer() *net.UDPAddr { return s.peer }

// LocalPort returns the local UDP port this session is bound to.
func (s *Session) LocalPort() int { return s.ep.LocalPort() }

// newLocalID derives a fresh local session identifier from the low 32
// bits of a high-resolution clock, XORed with a pseudo-random value so
// two sessions opened in the same clock tick still differ.
func newLocalID() uint32 {
	return uint32(time.Now().UnixNano()) ^ uint32(rand.Int31())
}

// resetState stops all timers and reinitializes every per-session
// mutable field, per spec.md §4.3. This must run before any connect or
// reconnect attempt: the radio binds session liveness to the tuple
// (local_id, tokens), so a reconnect that reused stale identifiers
// would be rejected.
func (s *Session) resetState() {
	s.stopTimers()
	s.localID = newLocalID()
	s.remoteID = 0
	s.localToken = 0
	s.rigToken = 0
	s.trackedSeq = 1
	s.pingSeq = 0
	s.innerSeq = innerSeqStart
	s.txHistory = make(map[uint16][]byte)
	s.lastSentAt = time.Time{}
	s.lastReceivedAt = time.Now()
	s.sendEnabled = true
}

// LocalID returns the session's current local identifier.
func (s *Session) LocalID() uint32 { return s.localID }

// RemoteID returns the session's learned remote identifier.
func (s *Session) RemoteID() uint32 { return s.remoteID }

// SetRemoteID records the remote identifier learned from I_AM_HERE.
func (s *Session) SetRemoteID(id uint32) { s.remoteID = id }

// Tokens returns the session's local and rig tokens.
func (s *Session) Tokens() (local uint16, rig uint32) { return s.localToken, s.rigToken }

// SetTokens records the tokens learned during login/renewal.
func (s *Session) SetTokens(local uint16, rig uint32) {
	s.localToken = local
	s.rigToken = rig
}

// NextInnerSeq returns the next inner sequence value and advances the
// counter, for stamping token/login/conninfo payloads.
func (s *Session) NextInnerSeq() uint16 {
	v := s.innerSeq
	s.innerSeq++
	return v
}

// TrackedSeq reports the current tracked_seq value, for metrics.
func (s *Session) TrackedSeq() uint16 { return s.trackedSeq }

// LastReceivedAt reports when this session last saw any inbound byte.
func (s *Session) LastReceivedAt() time.Time { return s.lastReceivedAt }

// markReceived stamps the last-received timestamp; called by the
// owning Controller's demux whenever a datagram arrives on this
// session.
func (s *Session) markReceived() { s.lastReceivedAt = time.Now() }

// SendTracked stamps pkt's seq field (offset 0x06) with the
// pre-increment tracked_seq value, records the stamped bytes in
// tx_history for future retransmission, and sends it. The stamping
// order matters: the template is copied, then stamped, then recorded,
// so a later Retransmit resends exactly what the radio saw.
func (s *Session) SendTracked(pkt []byte) error {
	if !s.sendEnabled {
		return nil
	}
	seq := s.trackedSeq
	s.trackedSeq++

	stamped := make([]byte, len(pkt))
	copy(stamped, pkt)
	protocol.StampSeq(stamped, seq)

	s.txHistory[seq] = stamped
	return s.sendRaw(stamped)
}

// SendUntracked sends pkt as-is, with no sequence stamping or history
// recording.
func (s *Session) SendUntracked(pkt []byte) error {
	if !s.sendEnabled {
		return nil
	}
	return s.sendRaw(pkt)
}

func (s *Session) sendRaw(pkt []byte) error {
	if s.peer == nil {
		return nil
	}
	s.lastSentAt = time.Now()
	return s.ep.Send(s.peer, pkt)
}

// Retransmit resends the historical bytes for seq if known, otherwise
// sends a NULL control packet stamped with seq — satisfying the
// radio's retransmit request even when history has been trimmed.
func (s *Session) Retransmit(seq uint16) error {
	if pkt, ok := s.txHistory[seq]; ok {
		return s.sendRaw(pkt)
	}
	h := protocol.Header{Type: protocol.TypeNull, Seq: seq, SentID: s.localID, RcvdID: s.remoteID}
	return s.sendRaw(protocol.BuildControl(h))
}

// stopTimers stops and clears every owned timer.
func (s *Session) stopTimers() {
	if s.ayt != nil {
		s.ayt.Stop()
		close(s.aytStop)
		s.ayt = nil
	}
	if s.ping != nil {
		s.ping.Stop()
		close(s.pingStop)
		s.ping = nil
	}
	if s.idle != nil {
		s.idle.Stop()
		close(s.idleStop)
		s.idle = nil
	}
	s.wg.Wait()
}

// StartAreYouThere sends a type=ARE_YOU_THERE control packet (seq=0,
// sentId=local_id, rcvdId=0) every 500ms via tick, until StopAreYouThere
// is called. tick is provided by the caller's actor so every send is
// serialized with the rest of Controller/Session state.
func (s *Session) StartAreYouThere(tick func(func())) {
	if s.ayt != nil {
		return
	}
	s.ayt = time.NewTicker(500 * time.Millisecond)
	s.aytStop = make(chan struct{})
	s.wg.Add(1)
	go func(t *time.Ticker, stop chan struct{}) {
		defer s.wg.Done()
		for {
			select {
			case <-t.C:
				tick(func() {
					h := protocol.Header{Type: protocol.TypeAreYouThere, Seq: 0, SentID: s.localID, RcvdID: 0}
					_ = s.SendUntracked(protocol.BuildControl(h))
				})
			case <-stop:
				return
			}
		}
	}(s.ayt, s.aytStop)
}

// StopAreYouThere stops the AYT timer, e.g. on receiving I_AM_HERE.
func (s *Session) StopAreYouThere() {
	if s.ayt == nil {
		return
	}
	s.ayt.Stop()
	close(s.aytStop)
	s.ayt = nil
}

// StartPing sends a ping request with the current ping_seq every
// 500ms, using the lower 32 bits of the monotonic clock as the
// timestamp.
func (s *Session) StartPing(tick func(func())) {
	if s.ping != nil {
		return
	}
	s.ping = time.NewTicker(500 * time.Millisecond)
	s.pingStop = make(chan struct{})
	s.wg.Add(1)
	go func(t *time.Ticker, stop chan struct{}) {
		defer s.wg.Done()
		for {
			select {
			case <-t.C:
				tick(func() {
					ts := uint32(time.Now().UnixNano())
					h := protocol.Header{Type: protocol.TypePing, SentID: s.localID, RcvdID: s.remoteID, Seq: s.pingSeq}
					_ = s.SendUntracked(protocol.BuildPing(protocol.Ping{Header: h, RequestTS: ts}))
				})
			case <-stop:
				return
			}
		}
	}(s.ping, s.pingStop)
}

// StopPing stops the ping timer.
func (s *Session) StopPing() {
	if s.ping == nil {
		return
	}
	s.ping.Stop()
	close(s.pingStop)
	s.ping = nil
}

// idleThreshold is the elapsed-since-last-send bound that triggers a
// keep-alive NULL control packet.
const idleThreshold = 200 * time.Millisecond

// StartIdle checks every 100ms whether the last send exceeds
// idleThreshold and, if so, sends a tracked NULL control packet to
// keep the session alive.
func (s *Session) StartIdle(tick func(func())) {
	if s.idle != nil {
		return
	}
	s.idle = time.NewTicker(100 * time.Millisecond)
	s.idleStop = make(chan struct{})
	s.wg.Add(1)
	go func(t *time.Ticker, stop chan struct{}) {
		defer s.wg.Done()
		for {
			select {
			case <-t.C:
				tick(func() {
					if time.Since(s.lastSentAt) > idleThreshold {
						h := protocol.Header{Type: protocol.TypeNull, SentID: s.localID, RcvdID: s.remoteID}
						_ = s.SendTracked(protocol.BuildControl(h))
					}
				})
			case <-stop:
				return
			}
		}
	}(s.idle, s.idleStop)
}

// StopIdle stops the idle keep-alive timer.
func (s *Session) StopIdle() {
	if s.idle == nil {
		return
	}
	s.idle.Stop()
	close(s.idleStop)
	s.idle = nil
}

// Disable marks the session as closed: further SendTracked/SendUntracked
// calls are no-ops. Used during shutdown so in-flight timer fires don't
// transmit after the socket is torn down.
func (s *Session) Disable() { s.sendEnabled = false }

// Close stops all timers and closes the underlying socket.
func (s *Session) Close() error {
	s.Disable()
	s.stopTimers()
	return s.ep.Close()
}
