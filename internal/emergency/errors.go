package emergency

import "errors"

var (
	// ErrAlreadyActive rejects a trigger attempt while a session slot is
	// occupied. Attempts are never queued.
	ErrAlreadyActive = errors.New("emergency already active")

	// ErrNoActiveSession rejects a dismiss when no session is active.
	ErrNoActiveSession = errors.New("no active emergency session")

	// ErrNoCountdown rejects a cancel when no confirmation window is open.
	ErrNoCountdown = errors.New("no confirmation countdown in progress")
)
