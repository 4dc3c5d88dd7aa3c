package icomwlan

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/icomwlan/internal/protocol"
)

func newPairedCivSubsession(t *testing.T) (*CivSubsession, *Session) {
	t.Helper()
	localEP, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = localEP.Close() })
	remoteEP, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remoteEP.Close() })

	local := newSession(sessionCIV, localEP)
	remote := newSession(sessionCIV, remoteEP)
	local.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: remoteEP.LocalPort()})
	remote.SetPeer(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localEP.LocalPort()})

	return NewCivSubsession(local), remote
}

func TestOpenSendsOpenCloseMagicOpen(t *testing.T) {
	civ, remote := newPairedCivSubsession(t)
	require.NoError(t, civ.Open())

	buf := make([]byte, 64)
	_ = remote.ep.conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	oc, err := protocol.ParseOpenClose(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.OpenCloseMagicOpen, oc.Magic)
}

func TestSendCIVAdvancesCivSeq(t *testing.T) {
	civ, remote := newPairedCivSubsession(t)
	require.NoError(t, civ.SendCIV([]byte{0xFE, 0xFE, 1, 0xFD}))
	require.NoError(t, civ.SendCIV([]byte{0xFE, 0xFE, 2, 0xFD}))

	buf := make([]byte, 64)
	_ = remote.ep.conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	first, err := protocol.ParseCIV(buf[:n])
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.CivSeq)

	n, _, err = remote.ep.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	second, err := protocol.ParseCIV(buf[:n])
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.CivSeq)
}

func TestResetZeroesCivSeq(t *testing.T) {
	civ, _ := newPairedCivSubsession(t)
	civ.nextCivSeq()
	civ.nextCivSeq()
	civ.reset()
	assert.EqualValues(t, 0, civ.nextCivSeq())
}
