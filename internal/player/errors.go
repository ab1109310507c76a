package player

import "errors"

var (
	ErrAlreadyPlaying  = errors.New("playback is already running")
	ErrNoActiveSession = errors.New("no active playback session")
	ErrInvalidState    = errors.New("command not valid in the current playback state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("player is closed")
)
