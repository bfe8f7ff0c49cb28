package host

import "errors"

var (
	// ErrUnknownSession is returned for operations on a session the node
	// has no state for.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionFailed is returned when a send was refused because the
	// session is in ERROR, or the send itself broke the protocol.
	ErrSessionFailed = errors.New("session failed")

	// ErrNoEventLog is returned by Replay for backends without an input log.
	ErrNoEventLog = errors.New("store backend keeps no event log")
)
