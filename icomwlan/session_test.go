package icomwlan

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/icomwlan/internal/protocol"
)

func newPairedSessions(t *testing.T) (local, remote *Session) {
	t.Helper()
	localEP, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = localEP.Close() })
	remoteEP, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remoteEP.Close() })

	local = newSession(sessionControl, localEP)
	remote = newSession(sessionControl, remoteEP)
	local.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: remoteEP.LocalPort()})
	remote.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localEP.LocalPort()})
	return local, remote
}

func TestResetStateInitializesTrackedSeqAndTokens(t *testing.T) {
	ep, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	s := newSession(sessionControl, ep)

	assert.EqualValues(t, 1, s.TrackedSeq())
	local, rig := s.Tokens()
	assert.Zero(t, local)
	assert.Zero(t, rig)
}

func TestSendTrackedIncrementsSeqAndRecordsHistory(t *testing.T) {
	local, _ := newPairedSessions(t)

	pkt := protocol.BuildControl(protocol.Header{Type: protocol.TypeNull})
	firstSeq := local.TrackedSeq()
	require.NoError(t, local.SendTracked(pkt))
	assert.EqualValues(t, firstSeq+1, local.TrackedSeq())

	stamped, ok := local.txHistory[firstSeq]
	require.True(t, ok)
	h, err := protocol.ParseHeader(stamped)
	require.NoError(t, err)
	assert.Equal(t, firstSeq, h.Seq)
}

func TestRetransmitResendsHistoricalBytes(t *testing.T) {
	local, remote := newPairedSessions(t)

	pkt := protocol.BuildControl(protocol.Header{Type: protocol.TypeAreYouThere})
	seq := local.TrackedSeq()
	require.NoError(t, local.SendTracked(pkt))

	require.NoError(t, local.Retransmit(seq))

	buf := make([]byte, 64)
	_ = remote.ep.conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	h, err := protocol.ParseHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAreYouThere, h.Type)
	assert.Equal(t, seq, h.Seq)

	// The second datagram is the retransmission: byte-identical to the first.
	first := append([]byte(nil), buf[:n]...)
	n, _, err = remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, first, buf[:n])
}

func TestRetransmitUnknownSeqSendsNull(t *testing.T) {
	local, remote := newPairedSessions(t)

	require.NoError(t, local.Retransmit(999))

	buf := make([]byte, 64)
	_ = remote.ep.conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	h, err := protocol.ParseHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeNull, h.Type)
	assert.EqualValues(t, 999, h.Seq)
}

func TestDisableStopsSending(t *testing.T) {
	local, remote := newPairedSessions(t)
	local.Disable()

	require.NoError(t, local.SendUntracked(protocol.BuildControl(protocol.Header{})))

	buf := make([]byte, 64)
	_ = remote.ep.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := remote.ep.conn.ReadFromUDP(buf)
	assert.Error(t, err) // deadline exceeded: nothing was sent
}

func TestSendWithNoPeerIsNoop(t *testing.T) {
	ep, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	s := newSession(sessionControl, ep)

	assert.NoError(t, s.SendUntracked(protocol.BuildControl(protocol.Header{})))
}
