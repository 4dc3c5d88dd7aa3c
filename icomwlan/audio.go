package icomwlan

import (
	"runtime"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cwsl/icomwlan/internal/protocol"
)

const (
	audioFrameSamples = 240               // 20ms @ 12kHz
	audioFrameBytes   = audioFrameSamples * 2
	audioFrameRate    = 20 * time.Millisecond

	audioLeadingSilenceFrames  = 3
	audioTrailingSilenceFrames = 5

	jitterWindow = 2000 // ~40s of frames at 50Hz
)

// AudioSubsession is the drift-compensated 50Hz transmit scheduler
// described in spec.md §4.5, plus inbound frame demuxing.
//
// Scheduling is cooperative and single-threaded: one dedicated
// goroutine computes the ideal send instant for each frame from a
// fixed t0 (never from cumulative increments, which is what keeps
// drift bounded over long runs) and sleeps to it with a tiered wait —
// coarse time.Sleep far from the deadline, a cooperative spin for the
// final ~1-2ms. The actual packet construction and send always happens
// inside a tick() call so it is serialized with the rest of the
// session/controller state, per spec.md §5.
type AudioSubsession struct {
	session *Session
	sendSeq uint16
	volume  float64

	leadingSilenceFrames  int
	trailingSilenceFrames int

	queue [][]byte // pending 480-byte PCM frames, oldest first

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	jitter      []float64 // recent (actual-ideal) deltas, milliseconds
	framesSent  uint64
}

// NewAudioSubsession wraps session as the Audio sub-session.
func NewAudioSubsession(session *Session) *AudioSubsession {
	return &AudioSubsession{
		session:               session,
		volume:                1.0,
		leadingSilenceFrames:  audioLeadingSilenceFrames,
		trailingSilenceFrames: audioTrailingSilenceFrames,
	}
}

// SetVolume sets the Float32 input scaling factor (default 1.0).
func (a *AudioSubsession) SetVolume(v float64) { a.volume = v }

// SetSilenceFrameCounts overrides the leading/trailing silence frame
// counts used by EnqueueFloat32/PTTOff. NewController sets them from
// Config.Audio.
func (a *AudioSubsession) SetSilenceFrameCounts(leading, trailing int) {
	a.leadingSilenceFrames = leading
	a.trailingSilenceFrames = trailing
}

// reset clears sequence/queue state; called alongside Session.resetState.
func (a *AudioSubsession) reset() {
	a.sendSeq = 0
	a.queue = nil
	a.framesSent = 0
	a.jitter = nil
}

// EnqueuePCM16 slices samples into 240-sample frames (zero-padding a
// final short frame) and appends them to the outbound queue, caller-
// supplied PCM16 being used as-is.
func (a *AudioSubsession) EnqueuePCM16(samples []int16) {
	for start := 0; start < len(samples); start += audioFrameSamples {
		end := start + audioFrameSamples
		frame := make([]byte, audioFrameBytes)
		n := len(samples)
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			protocol.PutPCMSample(frame, (i-start)*2, samples[i])
		}
		a.queue = append(a.queue, frame)
	}
}

// EnqueueFloat32 clips samples to [-1,1], scales by volume*32767,
// slices into 240-sample frames (zero-padding a final short frame),
// and appends them to the outbound queue. When leadingSilence is true,
// the leading silence frames (3 unless overridden by
// SetSilenceFrameCounts) are prepended first — typically right after
// PTT-on.
func (a *AudioSubsession) EnqueueFloat32(samples []float32, leadingSilence bool) {
	if leadingSilence {
		a.pushSilence(a.leadingSilenceFrames)
	}
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		pcm[i] = int16(float64(s) * a.volume * 32767)
	}
	a.EnqueuePCM16(pcm)
}

// PTTOff pushes the trailing silence frames (5 unless overridden by
// SetSilenceFrameCounts), ensuring the tail of audio
// is delivered before the radio unkeys. It does not stop the
// scheduler — only Stop does that.
func (a *AudioSubsession) PTTOff() {
	a.pushSilence(a.trailingSilenceFrames)
}

func (a *AudioSubsession) pushSilence(n int) {
	for i := 0; i < n; i++ {
		a.queue = append(a.queue, make([]byte, audioFrameBytes))
	}
}

// popFrame returns the next queued frame, or a silence frame if the
// queue is empty. The scheduler never blocks waiting for data.
func (a *AudioSubsession) popFrame() []byte {
	if len(a.queue) == 0 {
		return make([]byte, audioFrameBytes)
	}
	frame := a.queue[0]
	a.queue = a.queue[1:]
	return frame
}

// Start begins the 50Hz send loop. tick is called once per frame; the
// caller is expected to pass its actor's non-blocking `post` so the
// realtime scheduler goroutine never stalls waiting for the actor to
// be free. The ideal send instant for the next frame is computed from
// t0 alone, so queuing delay inside the actor does not let drift
// accumulate across frames.
func (a *AudioSubsession) Start(tick func(func())) {
	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go func(stop chan struct{}, done chan struct{}) {
		defer close(done)
		t0 := time.Now()
		var nextFrameIndex uint64
		for {
			ideal := t0.Add(time.Duration(nextFrameIndex+1) * audioFrameRate)
			if !waitUntil(ideal, stop) {
				return
			}
			tick(func() {
				a.recordJitter(time.Since(ideal))
				frame := a.popFrame()
				h := protocol.Header{SentID: a.session.LocalID(), RcvdID: a.session.RemoteID()}
				pkt := protocol.BuildAudio(h, a.sendSeq, frame)
				a.sendSeq++
				a.framesSent++
				_ = a.session.SendUntracked(pkt)
			})
			nextFrameIndex++
		}
	}(a.stopCh, a.doneCh)
}

// Stop halts the scheduler and clears the outbound queue. Only called
// on full disconnect — unkeying PTT does not stop the scheduler.
func (a *AudioSubsession) Stop() {
	if !a.running {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.running = false
	a.queue = nil
}

// waitUntil sleeps until deadline, using a coarse time.Sleep far from
// the deadline and a cooperative spin for the final ~1-2ms, per
// spec.md §4.5. Returns false if stop fired first.
func waitUntil(deadline time.Time, stop <-chan struct{}) bool {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > 2*time.Millisecond {
			select {
			case <-time.After(remaining - time.Millisecond):
			case <-stop:
				return false
			}
			continue
		}
		select {
		case <-stop:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// recordJitter appends a scheduling-jitter sample (in milliseconds) to
// the bounded ring used by DriftStats.
func (a *AudioSubsession) recordJitter(delta time.Duration) {
	a.jitter = append(a.jitter, float64(delta)/float64(time.Millisecond))
	if len(a.jitter) > jitterWindow {
		a.jitter = a.jitter[len(a.jitter)-jitterWindow:]
	}
}

// DriftStats reports the mean and standard deviation of recent
// scheduling jitter, used to populate get_metrics().
func (a *AudioSubsession) DriftStats() (meanMS, stddevMS float64) {
	if len(a.jitter) == 0 {
		return 0, 0
	}
	meanMS = stat.Mean(a.jitter, nil)
	stddevMS = stat.StdDev(a.jitter, nil)
	return meanMS, stddevMS
}

// FramesSent returns the total number of audio frames transmitted
// since the last reset.
func (a *AudioSubsession) FramesSent() uint64 { return a.framesSent }

// HandleInbound decodes an inbound audio transport packet and returns
// its PCM payload.
func HandleInbound(buf []byte) ([]byte, error) {
	audio, err := protocol.ParseAudio(buf)
	if err != nil {
		return nil, err
	}
	return audio.Payload, nil
}
