package icomwlan

import "log"

// actor runs every submitted function on a single dedicated goroutine,
// in submission order. It is the mechanism behind spec.md §5's "single
// logical executor" requirement: inbound datagrams, timer fires, and
// user-issued calls (Connect/Disconnect/SendCIV/...) are all funneled
// through one actor per Client, so state mutation never needs a mutex.
//
// This generalizes the single-goroutine loop pattern the teacher uses
// per component (radiod_status.go's listenLoop, dxcluster.go's
// connectionLoop) into one reusable primitive shared by Session and
// Controller, since the spec requires the property across all of them
// at once rather than per-component.
type actor struct {
	work chan func()
	done chan struct{}
}

func newActor() *actor {
	a := &actor{
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	for {
		select {
		case fn := <-a.work:
			runRecovering(fn)
		case <-a.done:
			return
		}
	}
}

// runRecovering runs fn, converting a panic into a logged warning so
// that one submitter's bug (e.g. an illegal phase transition, which
// transitionTo raises on deliberately) cannot kill the actor goroutine
// out from under every other component sharing it. call, below,
// recovers the panic value separately and re-raises it on the caller's
// own goroutine so a synchronous caller still sees it.
func runRecovering(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("icomwlan: actor recovered from panic: %v", r)
		}
	}()
	fn()
}

// post submits fn to the actor's goroutine. It does not block for fn
// to complete.
func (a *actor) post(fn func()) {
	select {
	case a.work <- fn:
	case <-a.done:
	}
}

// call submits fn to the actor's goroutine and blocks until it has
// run (or the actor is stopped). A panic inside fn is re-raised on the
// calling goroutine rather than only logged, since a synchronous
// caller expects fn's failure modes to surface the way a direct call
// would.
func (a *actor) call(fn func()) {
	done := make(chan struct{})
	var panicVal any
	a.post(func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
			close(done)
		}()
		fn()
	})
	select {
	case <-done:
	case <-a.done:
	}
	if panicVal != nil {
		panic(panicVal)
	}
}

// stop shuts the actor down. Submitted work after stop is dropped.
func (a *actor) stop() {
	close(a.done)
}
