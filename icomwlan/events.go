package icomwlan

import "time"

// Each upstream notification in spec.md §6 gets its own typed payload
// and its own channel on Events, per the design notes' "typed channels,
// not one event bus" guidance. Internal one-shot readiness signals
// (I_AM_HERE, LoginResponse, ConnInfo, Status, sub-session readiness)
// are plain channels private to the in-flight attempt and are never
// exposed here.

type LoginEvent struct {
	OK               bool
	ErrorCode        uint32
	ConnectionString string
}

type StatusEvent struct {
	CivPort   uint16
	AudioPort uint16
	AuthOK    bool
	Connected bool
}

type CapabilitiesEvent struct {
	CivAddress byte
	AudioName  string
	SupportTX  bool
}

// CivEvent carries one raw CI-V transport payload (the UDP payload
// past offset 0x15), unreassembled.
type CivEvent struct {
	Payload []byte
}

// CivFrameEvent carries one reassembled CI-V frame, inclusive of the
// framing FE FE ... FD bytes.
type CivFrameEvent struct {
	Frame []byte
}

// AudioEvent carries one received audio frame: 16-bit LE PCM at 12kHz.
type AudioEvent struct {
	PCM []byte
}

type ErrorEvent struct {
	Err error
}

type ConnectionLostEvent struct {
	Session string
	Elapsed time.Duration
}

type ConnectionRestoredEvent struct {
	Downtime time.Duration
}

type ReconnectAttemptingEvent struct {
	Attempt int
	Delay   time.Duration
}

type ReconnectFailedEvent struct {
	Attempt   int
	Err       error
	WillRetry bool
	NextDelay time.Duration
}

// eventBufferSize is the per-channel buffer depth. A slow or absent
// consumer drops new events rather than blocking the controller's
// single executor.
const eventBufferSize = 32

// Events holds one typed, buffered channel per upstream notification
// kind described in spec.md §6.
type Events struct {
	Login               chan LoginEvent
	Status               chan StatusEvent
	Capabilities         chan CapabilitiesEvent
	Civ                  chan CivEvent
	CivFrame             chan CivFrameEvent
	Audio                chan AudioEvent
	Error                chan ErrorEvent
	ConnectionLost       chan ConnectionLostEvent
	ConnectionRestored   chan ConnectionRestoredEvent
	ReconnectAttempting  chan ReconnectAttemptingEvent
	ReconnectFailed      chan ReconnectFailedEvent
}

// NewEvents allocates a fresh, empty Events set.
func NewEvents() *Events {
	return &Events{
		Login:               make(chan LoginEvent, eventBufferSize),
		Status:              make(chan StatusEvent, eventBufferSize),
		Capabilities:        make(chan CapabilitiesEvent, eventBufferSize),
		Civ:                 make(chan CivEvent, eventBufferSize),
		CivFrame:            make(chan CivFrameEvent, eventBufferSize),
		Audio:               make(chan AudioEvent, eventBufferSize),
		Error:               make(chan ErrorEvent, eventBufferSize),
		ConnectionLost:      make(chan ConnectionLostEvent, eventBufferSize),
		ConnectionRestored:  make(chan ConnectionRestoredEvent, eventBufferSize),
		ReconnectAttempting: make(chan ReconnectAttemptingEvent, eventBufferSize),
		ReconnectFailed:     make(chan ReconnectFailedEvent, eventBufferSize),
	}
}

// emit is a non-blocking send: a full channel (an unread backlog) drops
// the new event rather than stalling the caller, which in every call
// site here is the controller's single executor.
func emit[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
	default:
	}
}
