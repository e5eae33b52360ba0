// Package sctperr defines the error kinds shared by the SCTP-over-UDP
// transport layer. Callers classify failures with errors.Is.
package sctperr

import "errors"

var (
	// ErrPortInUse is returned when an exact local port was requested but is
	// already held by another association.
	ErrPortInUse = errors.New("port already in use")

	// ErrInvalidArgument reports a missing or malformed address, port or option.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected is returned when an operation is attempted outside the
	// association state it requires.
	ErrNotConnected = errors.New("association not connected")

	// ErrEngineInit reports that the native association engine failed to
	// initialize. It is fatal for the coordinator that observed it.
	ErrEngineInit = errors.New("engine initialization failed")

	// ErrTransport wraps socket-level send and receive failures. These are
	// transient and never tear an association down on their own.
	ErrTransport = errors.New("transport error")

	// ErrAssociationFailed reports a fatal protocol-level failure signaled by
	// the engine. It is terminal for that association only.
	ErrAssociationFailed = errors.New("association failed")

	// ErrAssociationExists is returned when a remote transport address already
	// has an association registered.
	ErrAssociationExists = errors.New("association already registered for remote")

	// ErrAcceptLimit is returned by the server-accept path when the configured
	// bound on implicitly accepted peers, or the accept rate, is exceeded.
	ErrAcceptLimit = errors.New("accept limit reached")

	// ErrNotInitialized is returned when the coordinator is used before Init.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrPoolClosed is returned when work is submitted to a closed worker pool.
	ErrPoolClosed = errors.New("worker pool closed")
)
