package icomwlan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/icomwlan/internal/protocol"
)

func testConfig(t *testing.T, host string, port int) Config {
	t.Helper()
	cfg := Config{
		Control: ControlConfig{Host: host, Port: port, Username: "op", Password: "pw", ClientName: "test"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestNewControllerStartsIdle(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, PhaseIdle, c.GetPhase())
}

func TestDisconnectFromIdleIsNoop(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Disconnect("no reason"))
	assert.Equal(t, PhaseIdle, c.GetPhase())
}

func TestConnectReturnsErrNotIdleWhileDisconnecting(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.actor.call(func() { c.phase = PhaseDisconnecting })

	err = c.Connect(context.Background())
	var notIdle *errNotIdle
	assert.ErrorAs(t, err, &notIdle)
}

func TestTransitionToRejectsIllegalMove(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Panics(t, func() {
		c.actor.call(func() {
			c.transitionTo(PhaseDisconnecting) // illegal: idle -> disconnecting
		})
	})
	assert.Equal(t, PhaseIdle, c.GetPhase())
}

func TestComputeBackoffDoublesAndClamps(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second
	assert.Equal(t, base, computeBackoff(1, base, max))
	assert.Equal(t, 4*time.Second, computeBackoff(2, base, max))
	assert.Equal(t, 8*time.Second, computeBackoff(3, base, max))
	assert.Equal(t, max, computeBackoff(10, base, max))
}

func TestCapabilitiesZeroBeforeAnnouncement(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	civAddr, audioName, supportTX := c.Capabilities()
	assert.Zero(t, civAddr)
	assert.Empty(t, audioName)
	assert.False(t, supportTX)
}

// fakeRadio emulates just enough of the Icom WLAN radio side of spec.md
// §4.7 over three UDP sockets to drive a real Controller through a full
// connect handshake, matching the testable scenarios in spec.md §8.
type fakeRadio struct {
	control, civ, audio *net.UDPConn
	localID             uint32
	clientAddr          *net.UDPAddr
}

func newFakeRadio(t *testing.T) *fakeRadio {
	t.Helper()
	control, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	civ, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	audio, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = control.Close()
		_ = civ.Close()
		_ = audio.Close()
	})
	return &fakeRadio{control: control, civ: civ, audio: audio, localID: 0x77777777}
}

func (r *fakeRadio) port(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// runSubHandshake answers AYT with I_AM_HERE and ARE_YOU_READY with
// I_AM_READY on a CI-V or Audio socket, per spec.md §4.7 step 7.
func (r *fakeRadio) runSubHandshake(conn *net.UDPConn, stop <-chan struct{}) {
	buf := make([]byte, 2048)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			continue
		}
		r.clientAddr = from
		h, perr := protocol.ParseHeader(buf[:n])
		if perr != nil {
			continue
		}
		switch h.Type {
		case protocol.TypeAreYouThere:
			reply := protocol.BuildControl(protocol.Header{Type: protocol.TypeIAmHere, SentID: r.localID, RcvdID: h.SentID})
			_, _ = conn.WriteToUDP(reply, from)
		case protocol.TypeAreYouReady:
			reply := protocol.BuildControl(protocol.Header{Type: protocol.TypeAreYouReady, SentID: r.localID, RcvdID: h.SentID})
			_, _ = conn.WriteToUDP(reply, from)
		}
	}
}

// runControlHandshake drives the control-session side of spec.md §4.7
// steps 1-6: AYT/I_AM_HERE, ARE_YOU_READY/I_AM_READY, Login/LoginResponse,
// ConnInfo, and finally Status carrying the CI-V/Audio ports.
func (r *fakeRadio) runControlHandshake(t *testing.T, stop <-chan struct{}) {
	t.Helper()
	buf := make([]byte, 2048)
	statusSent := false
	for {
		_ = r.control.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, from, err := r.control.ReadFromUDP(buf)
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			continue
		}

		switch n {
		case protocol.SizeControl:
			h, perr := protocol.ParseHeader(buf[:n])
			if perr != nil {
				continue
			}
			switch h.Type {
			case protocol.TypeAreYouThere:
				reply := protocol.BuildControl(protocol.Header{Type: protocol.TypeIAmHere, SentID: r.localID, RcvdID: h.SentID})
				_, _ = r.control.WriteToUDP(reply, from)
			case protocol.TypeAreYouReady:
				reply := protocol.BuildControl(protocol.Header{Type: protocol.TypeAreYouReady, SentID: r.localID, RcvdID: h.SentID})
				_, _ = r.control.WriteToUDP(reply, from)
			}
		case protocol.SizeLogin:
			pl, perr := protocol.ParseLogin(buf[:n])
			if perr != nil {
				continue
			}
			lr := protocol.LoginResponse{
				Header:           protocol.Header{SentID: r.localID, RcvdID: pl.Header.SentID},
				Inner:            protocol.NewInnerHeader(0, 1, 1, 0),
				Token:            0xAAAABBBB,
				Error:            0,
				ConnectionString: "1.0.0",
			}
			_, _ = r.control.WriteToUDP(protocol.BuildLoginResponse(lr), from)

			ci := protocol.ConnInfo{
				Header:  protocol.Header{SentID: r.localID, RcvdID: pl.Header.SentID},
				Inner:   protocol.NewInnerHeader(0, 2, 1, 0),
				RigName: "IC-705",
			}
			_, _ = r.control.WriteToUDP(protocol.BuildConnInfoReply(ci, "radio"), from)
		case protocol.SizeConnInfo:
			// The client's reply; once seen, announce Status with the
			// CI-V/Audio ports the client should now talk to.
			if !statusSent {
				statusSent = true
				s := protocol.Status{
					Header:    protocol.Header{SentID: r.localID},
					Error:     0,
					Connected: true,
					CivPort:   uint16(r.port(r.civ)),
					AudioPort: uint16(r.port(r.audio)),
				}
				_, _ = r.control.WriteToUDP(protocol.BuildStatus(s), from)
			}
		case protocol.SizeToken:
			// Token confirm: no response required for handshake to proceed.
		}
	}
}

func TestConnectFullHandshakeReachesConnected(t *testing.T) {
	radio := newFakeRadio(t)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	go radio.runControlHandshake(t, stop)
	go radio.runSubHandshake(radio.civ, stop)
	go radio.runSubHandshake(radio.audio, stop)

	cfg := testConfig(t, "127.0.0.1", radio.port(radio.control))
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, PhaseConnected, c.GetPhase())

	require.NoError(t, c.Disconnect("test done"))
	assert.Equal(t, PhaseIdle, c.GetPhase())
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	radio := newFakeRadio(t)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	go radio.runControlHandshake(t, stop)
	go radio.runSubHandshake(radio.civ, stop)
	go radio.runSubHandshake(radio.audio, stop)

	cfg := testConfig(t, "127.0.0.1", radio.port(radio.control))
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	// A second Connect while already CONNECTED must return immediately
	// with no error, per spec.md §4.7's idempotence requirement.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, PhaseConnected, c.GetPhase())
}
