package player

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the playback session state
type State string

const (
	StateIdle     State = "idle"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateFinished State = "finished"
)

// Open reports whether a session is open in this state
func (s State) Open() bool {
	return s == StatePlaying || s == StatePaused
}

const (
	eventStart  = "start"
	eventPause  = "pause"
	eventResume = "resume"
	eventFinish = "finish"
	eventStop   = "stop"
)

func newStateMachine(onTransition func(from, to string)) *fsm.FSM {
	idle, playing, paused, finished := string(StateIdle), string(StatePlaying), string(StatePaused), string(StateFinished)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventStart, Src: []string{idle, finished}, Dst: playing},
			{Name: eventPause, Src: []string{playing}, Dst: paused},
			{Name: eventResume, Src: []string{paused}, Dst: playing},
			{Name: eventFinish, Src: []string{playing}, Dst: finished},
			// explicit stop and device failure both close the session
			{Name: eventStop, Src: []string{playing, paused}, Dst: idle},
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
