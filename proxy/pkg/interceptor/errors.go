package interceptor

import (
	"errors"
)

// Codec errors. Any of these on either socket is fatal for the affected
// connection only; the worker tears itself down and the listener keeps running.
var (
	ErrFrameTooLarge   = errors.New("frame body length exceeds the 256 MiB protocol limit")
	ErrUnexpectedEof   = errors.New("connection closed in the middle of a frame body")
	ErrMalformedHeader = errors.New("connection closed in the middle of a frame header")
)

var (
	// ErrListenFailed wraps a bind failure during startup. Surfaced to the caller
	// of Start, never recovered internally.
	ErrListenFailed = errors.New("failed to bind proxy listener")

	// ErrConnectFailed wraps a failed outbound connect to a real node. The
	// driver-side socket is reset; the listener keeps accepting.
	ErrConnectFailed = errors.New("failed to connect to proxied node")

	// ErrRuleInvalid is returned when a rule set carries semantically impossible
	// parameters. The rule set is rejected and the previous one stays installed.
	ErrRuleInvalid = errors.New("invalid rule")
)

type shutdownError struct {
	err string
}

func (e *shutdownError) Error() string {
	return e.err
}

var ShutdownErr = &shutdownError{err: "aborted due to shutdown request"}
