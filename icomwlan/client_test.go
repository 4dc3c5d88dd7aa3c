package icomwlan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientStartsIdleAndExposesEventChannels(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	cl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	assert.Equal(t, PhaseIdle, cl.Phase())
	assert.NotNil(t, cl.Login())
	assert.NotNil(t, cl.Status())
	assert.NotNil(t, cl.CapabilitiesEvents())
	assert.NotNil(t, cl.Civ())
	assert.NotNil(t, cl.CivFrames())
	assert.NotNil(t, cl.Audio())
	assert.NotNil(t, cl.Errors())
	assert.NotNil(t, cl.ConnectionLost())
	assert.NotNil(t, cl.ConnectionRestored())
	assert.NotNil(t, cl.ReconnectAttempting())
	assert.NotNil(t, cl.ReconnectFailed())
	assert.NotNil(t, cl.Registry())
}

func TestClientDisconnectWhileIdleIsNoop(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 50001)
	cl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	assert.NoError(t, cl.Disconnect())
	assert.Equal(t, PhaseIdle, cl.Phase())
}
