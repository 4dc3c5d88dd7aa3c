package icomwlan

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Client is the public entry point: a thin wrapper around Controller
// that exposes the operations and typed event channels described in
// spec.md §6, keeping every internal readiness/demux channel private
// to the package.
type Client struct {
	c *Controller
}

// New constructs a Client bound to the given configuration. The CI-V
// and Audio sockets are opened immediately; Connect must still be
// called to reach the radio.
func New(cfg Config) (*Client, error) {
	c, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Connect performs the full connect handshake described in spec.md
// §4.7. It is idempotent and safe to call again while already
// connecting or connected.
func (cl *Client) Connect(ctx context.Context) error { return cl.c.Connect(ctx) }

// Disconnect cleanly tears down the current connection or cancels an
// in-flight connect attempt.
func (cl *Client) Disconnect() error { return cl.c.Disconnect("caller requested disconnect") }

// Close permanently releases the client's sockets. The Client must not
// be used afterward.
func (cl *Client) Close() error { return cl.c.Close() }

// SendCIV transports a raw CI-V frame (FE FE ... FD bytes) to the radio.
func (cl *Client) SendCIV(payload []byte) error { return cl.c.SendCIV(payload) }

// EnqueueAudioPCM16 queues 16-bit PCM samples at 12kHz for transmission.
func (cl *Client) EnqueueAudioPCM16(samples []int16) { cl.c.EnqueueAudioPCM16(samples) }

// EnqueueAudioFloat32 queues Float32 samples in [-1,1] for transmission,
// optionally preceded by leading silence (typically right after PTT-on).
func (cl *Client) EnqueueAudioFloat32(samples []float32, leadingSilence bool) {
	cl.c.EnqueueAudioFloat32(samples, leadingSilence)
}

// PTTOff signals the end of a transmission, queuing trailing silence
// without stopping the scheduler.
func (cl *Client) PTTOff() { cl.c.PTTOff() }

// Phase returns the current connection phase.
func (cl *Client) Phase() Phase { return cl.c.GetPhase() }

// Metrics returns a point-in-time metrics snapshot.
func (cl *Client) Metrics() MetricsSnapshot { return cl.c.GetMetrics() }

// Registry exposes the client's private Prometheus registry for a
// caller that wants to scrape rather than poll Metrics().
func (cl *Client) Registry() *prometheus.Registry { return cl.c.metrics.Registry() }

// Capabilities returns the most recently learned radio capabilities.
func (cl *Client) Capabilities() (civAddress byte, audioName string, supportTX bool) {
	return cl.c.Capabilities()
}

// ConfigureMonitor updates the health monitor's live configuration.
func (cl *Client) ConfigureMonitor(m MonitorConfig) { cl.c.ConfigureMonitor(m) }

// Login returns the channel of login outcome events.
func (cl *Client) Login() <-chan LoginEvent { return cl.c.events.Login }

// Status returns the channel of radio status events.
func (cl *Client) Status() <-chan StatusEvent { return cl.c.events.Status }

// CapabilitiesEvents returns the channel of capability announcements.
func (cl *Client) CapabilitiesEvents() <-chan CapabilitiesEvent { return cl.c.events.Capabilities }

// Civ returns the channel of raw (unreassembled) CI-V payloads.
func (cl *Client) Civ() <-chan CivEvent { return cl.c.events.Civ }

// CivFrames returns the channel of reassembled CI-V frames.
func (cl *Client) CivFrames() <-chan CivFrameEvent { return cl.c.events.CivFrame }

// Audio returns the channel of received audio frames.
func (cl *Client) Audio() <-chan AudioEvent { return cl.c.events.Audio }

// Errors returns the channel of non-fatal protocol/transport errors.
func (cl *Client) Errors() <-chan ErrorEvent { return cl.c.events.Error }

// ConnectionLost returns the channel of health-monitor timeout events.
func (cl *Client) ConnectionLost() <-chan ConnectionLostEvent { return cl.c.events.ConnectionLost }

// ConnectionRestored returns the channel of successful-reconnect events.
func (cl *Client) ConnectionRestored() <-chan ConnectionRestoredEvent {
	return cl.c.events.ConnectionRestored
}

// ReconnectAttempting returns the channel of per-attempt reconnect events.
func (cl *Client) ReconnectAttempting() <-chan ReconnectAttemptingEvent {
	return cl.c.events.ReconnectAttempting
}

// ReconnectFailed returns the channel of per-attempt reconnect failures.
func (cl *Client) ReconnectFailed() <-chan ReconnectFailedEvent { return cl.c.events.ReconnectFailed }
