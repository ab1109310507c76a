package recorder

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the recording session state
type State string

const (
	StateIdle        State = "idle"
	StateRecording   State = "recording"
	StatePaused      State = "paused"
	StateInterrupted State = "interrupted"
	StateStopped     State = "stopped"
	StateError       State = "error"
)

// Open reports whether a session is open in this state
func (s State) Open() bool {
	return s == StateRecording || s == StatePaused || s == StateInterrupted
}

const (
	eventStart     = "start"
	eventPause     = "pause"
	eventResume    = "resume"
	eventInterrupt = "interrupt"
	eventRegain    = "regain"
	eventDemote    = "demote"
	eventStop      = "stop"
	eventFail      = "fail"
)

func newStateMachine(onTransition func(from, to string)) *fsm.FSM {
	idle, recording, paused := string(StateIdle), string(StateRecording), string(StatePaused)
	interrupted, stopped, failed := string(StateInterrupted), string(StateStopped), string(StateError)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventStart, Src: []string{idle, stopped, failed}, Dst: recording},
			{Name: eventPause, Src: []string{recording, interrupted}, Dst: paused},
			{Name: eventResume, Src: []string{paused, interrupted}, Dst: recording},
			{Name: eventInterrupt, Src: []string{recording}, Dst: interrupted},
			// auto-resume after focus returns
			{Name: eventRegain, Src: []string{interrupted}, Dst: recording},
			// auto-resume no longer possible
			{Name: eventDemote, Src: []string{interrupted}, Dst: paused},
			{Name: eventStop, Src: []string{recording, paused, interrupted}, Dst: stopped},
			{Name: eventFail, Src: []string{recording, paused, interrupted}, Dst: failed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(e.Src, e.Dst)
				}
			},
		},
	)
}
