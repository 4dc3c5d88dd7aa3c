package icomwlan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/icomwlan/internal/protocol"
)

func newLoopbackSession(t *testing.T, kind sessionKind) *Session {
	t.Helper()
	ep, err := newEndpoint(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	s := newSession(kind, ep)
	return s
}

func TestEnqueuePCM16SlicesIntoFixedFrames(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)

	samples := make([]int16, audioFrameSamples+10)
	for i := range samples {
		samples[i] = int16(i)
	}
	a.EnqueuePCM16(samples)

	require.Len(t, a.queue, 2)
	assert.Len(t, a.queue[0], audioFrameBytes)
	assert.Len(t, a.queue[1], audioFrameBytes)
}

func TestEnqueueFloat32ClipsAndScales(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)
	a.SetVolume(1.0)

	a.EnqueueFloat32([]float32{2.0, -2.0, 0.0}, false)
	require.Len(t, a.queue, 1)

	frame := a.queue[0]
	// First two samples clip to +/-32767, little-endian.
	assert.EqualValues(t, 32767, int16(uint16(frame[0])|uint16(frame[1])<<8))
	lo, hi := frame[2], frame[3]
	got := int16(uint16(lo) | uint16(hi)<<8)
	assert.EqualValues(t, -32767, got)
}

func TestSetSilenceFrameCountsOverridesDefaults(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)
	a.SetSilenceFrameCounts(1, 2)

	a.EnqueueFloat32([]float32{0.1}, true)
	assert.Len(t, a.queue, 2) // 1 silence frame + 1 data frame

	a.queue = nil
	a.PTTOff()
	assert.Len(t, a.queue, 2)
}

func TestPopFrameReturnsSilenceWhenQueueEmpty(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)
	frame := a.popFrame()
	assert.Len(t, frame, audioFrameBytes)
	for _, b := range frame {
		assert.Zero(t, b)
	}
}

func TestDriftStatsEmptyBeforeAnyFrame(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)
	mean, stddev := a.DriftStats()
	assert.Zero(t, mean)
	assert.Zero(t, stddev)
}

func TestRecordJitterBoundsWindow(t *testing.T) {
	s := newLoopbackSession(t, sessionAudio)
	a := NewAudioSubsession(s)
	for i := 0; i < jitterWindow+50; i++ {
		a.recordJitter(time.Millisecond)
	}
	assert.Len(t, a.jitter, jitterWindow)
}

func TestHandleInboundDecodesPCMPayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	pkt := protocol.BuildAudio(protocol.Header{}, 0, payload)
	pcm, err := HandleInbound(pkt)
	require.NoError(t, err)
	assert.Equal(t, payload, pcm)
}

func TestHandleInboundRejectsMalformedPacket(t *testing.T) {
	_, err := HandleInbound([]byte{1, 2, 3})
	assert.Error(t, err)
}
