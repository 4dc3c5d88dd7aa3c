package icomwlan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassemblerSingleFrameInOnePacket(t *testing.T) {
	r := NewCivReassembler()
	frames := r.Feed([]byte{0xFE, 0xFE, 0xA4, 0xE0, 0x03, 0xFD})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFE, 0xFE, 0xA4, 0xE0, 0x03, 0xFD}, frames[0])
}

func TestReassemblerFrameSplitAcrossPackets(t *testing.T) {
	r := NewCivReassembler()
	assert.Empty(t, r.Feed([]byte{0xFE, 0xFE, 0xA4}))
	frames := r.Feed([]byte{0xE0, 0x03, 0xFD})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFE, 0xFE, 0xA4, 0xE0, 0x03, 0xFD}, frames[0])
}

func TestReassemblerMultipleFramesInOnePacket(t *testing.T) {
	r := NewCivReassembler()
	buf := append([]byte{0xFE, 0xFE, 1, 0xFD}, []byte{0xFE, 0xFE, 2, 0xFD}...)
	frames := r.Feed(buf)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0xFE, 0xFE, 1, 0xFD}, frames[0])
	assert.Equal(t, []byte{0xFE, 0xFE, 2, 0xFD}, frames[1])
}

func TestReassemblerDropsNoiseBeforeFirstFrame(t *testing.T) {
	r := NewCivReassembler()
	buf := append([]byte{0x00, 0x01, 0x02}, []byte{0xFE, 0xFE, 9, 0xFD}...)
	frames := r.Feed(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFE, 0xFE, 9, 0xFD}, frames[0])
}

func TestReassemblerDiscardsExcessiveNoise(t *testing.T) {
	r := NewCivReassembler()
	noise := make([]byte, civNoiseThreshold+100)
	frames := r.Feed(noise)
	assert.Empty(t, frames)
	// Only the last byte of noise is retained (a possible FE FE half).
	assert.LessOrEqual(t, len(r.buf), 1)
}

func TestReassemblerIncompleteFrameWaitsForTerminator(t *testing.T) {
	r := NewCivReassembler()
	frames := r.Feed([]byte{0xFE, 0xFE, 1, 2, 3})
	assert.Empty(t, frames)
	frames = r.Feed([]byte{0xFD})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFE, 0xFE, 1, 2, 3, 0xFD}, frames[0])
}
