package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist or is
	// not visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a uniqueness invariant would be broken,
	// e.g. a second credential with the same (owner, login name).
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalidTransition is returned when a session outcome names a
	// transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrCredentialCorrupt is returned when a stored secret fails to
	// decrypt. Fatal for the credential, never retried.
	ErrCredentialCorrupt = errors.New("credential corrupt")

	// ErrNoUsableSession is returned when a credential has no session in a
	// dispatch-usable state.
	ErrNoUsableSession = errors.New("no dispatch-usable session")

	// ErrLiveSessionExists is returned when a second live session would be
	// created for a credential.
	ErrLiveSessionExists = errors.New("credential already has a live session")

	// ErrSlotLost is returned when the conditional pacing update affected
	// zero rows because another scheduler instance won the race.
	ErrSlotLost = errors.New("schedule slot lost to concurrent scheduler")

	// ErrJobNotDeletable is returned when a delete targets a job that is
	// still pending or processing.
	ErrJobNotDeletable = errors.New("job is pending or processing")

	// ErrRunImmutable signals that a run is terminal and cannot be
	// promoted; callers treat it as a no-op.
	ErrRunImmutable = errors.New("run is terminal")
)
