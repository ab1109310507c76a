package recorder

import "errors"

var (
	ErrAlreadyRecording = errors.New("a recording session is already open")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoActiveSession  = errors.New("no active recording session")
	ErrBusy             = errors.New("recorder is busy starting a session")
	ErrInvalidState     = errors.New("command not valid in the current recording state")
	ErrClosed           = errors.New("recorder is closed")
)
