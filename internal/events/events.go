// Package events defines the notifications the controllers emit to the managed caller
// and the hub that fans them out to transports.
package events

// Event types as they appear on the wire
const (
	TypeRecorderState    = "recorder.state"
	TypeRecorderProgress = "recorder.progress"
	TypePlayerProgress   = "player.progress"
)

// RecorderState is emitted on every recording state transition
type RecorderState struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Location  string `json:"location,omitempty"`
}

// RecorderProgress is emitted on every tick while recording
type RecorderProgress struct {
	SessionID     string   `json:"session_id"`
	ElapsedMillis int64    `json:"elapsed_ms"`
	IsRecording   bool     `json:"is_recording"`
	MeteringDB    *float64 `json:"metering_db,omitempty"`
}

// PlayerProgress is emitted on every playback tick and once on natural completion
type PlayerProgress struct {
	SessionID      string `json:"session_id"`
	DurationMillis int64  `json:"duration_ms"`
	PositionMillis int64  `json:"position_ms"`
	IsFinished     bool   `json:"is_finished"`
}

// Sink receives controller events. Implementations must not block.
type Sink interface {
	RecorderStateChanged(RecorderState)
	RecorderProgress(RecorderProgress)
	PlayerProgress(PlayerProgress)
}

// Envelope is the transport framing of one event
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Discard drops every event
type Discard struct{}

func (Discard) RecorderStateChanged(RecorderState) {}
func (Discard) RecorderProgress(RecorderProgress)  {}
func (Discard) PlayerProgress(PlayerProgress)      {}

// Multi forwards each event to every sink in order
type Multi []Sink

func (m Multi) RecorderStateChanged(e RecorderState) {
	for _, s := range m {
		s.RecorderStateChanged(e)
	}
}

func (m Multi) RecorderProgress(e RecorderProgress) {
	for _, s := range m {
		s.RecorderProgress(e)
	}
}

func (m Multi) PlayerProgress(e PlayerProgress) {
	for _, s := range m {
		s.PlayerProgress(e)
	}
}
