package passive

import (
	"errors"
	"fmt"
)

// ErrSpuriousReadiness reports a read watcher that fired with nothing to read
// and no error. It indicates a broken stack or loop integration.
var ErrSpuriousReadiness = errors.New("readiness signaled with no data and no error")

// Step names a stage of listener creation.
type Step string

// Listener creation steps, in order.
const (
	StepParseAddress       Step = "parse-address"
	StepSocketCreate       Step = "socket-create"
	StepLoopAttach         Step = "loop-attach"
	StepMakePassive        Step = "make-passive"
	StepMakePromiscuous    Step = "make-promiscuous"
	StepSetNonBlocking     Step = "set-nonblocking"
	StepSetNoDelay         Step = "set-nodelay"
	StepSetKeepInit        Step = "set-keepinit"
	StepSetKeepIdle        Step = "set-keepidle"
	StepSetKeepIntvl       Step = "set-keepintvl"
	StepSetKeepCnt         Step = "set-keepcnt"
	StepReassemblyDeadline Step = "set-reassembly-deadline"
	StepBind               Step = "bind"
	StepListen             Step = "listen"
	StepStartWatcher       Step = "start-watcher"
)

// StepError is returned when listener creation fails.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("listener %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Recorder receives connection lifecycle events, typically for metrics.
// Methods are called from worker goroutines.
type Recorder interface {
	ListenerFailed(iface string, step Step)
	Accepted(iface string)
	AcceptFailed(iface, reason string)
	ConnectionClosed(iface, role string)
	BytesRead(iface, role string, n int)
	SpuriousReadiness(iface string)
}

type nopRecorder struct{}

func (nopRecorder) ListenerFailed(string, Step) {}
func (nopRecorder) Accepted(string) {}
func (nopRecorder) AcceptFailed(string, string) {}
func (nopRecorder) ConnectionClosed(string, string) {}
func (nopRecorder) BytesRead(string, string, int) {}
func (nopRecorder) SpuriousReadiness(string) {}
