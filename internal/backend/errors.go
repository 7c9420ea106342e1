package backend

import (
	"strings"

	"github.com/pkg/errors"
)

// Stable DAP-facing error codes, one per operation family.
const (
	ErrCodeVersion           = 2001
	ErrCodeThreads           = 2003
	ErrCodeStackTrace        = 2004
	ErrCodeScopesLocals      = 2005
	ErrCodeArgs              = 2006
	ErrCodeGlobals           = 2007
	ErrCodeSetBreakpointHalt = 2008
	ErrCodeEvaluate          = 2009
	ErrCodePauseSetVariable  = 2010
	ErrCodeLaunchAttach      = 3000
)

// codedError pairs a stable DAP error code with the human-readable message
// surfaced on the originating request's ErrorResponse.
type codedError struct {
	code    int
	message string
	cause   error
}

func (e *codedError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *codedError) Unwrap() error { return e.cause }

// CodedError wraps cause with a stable DAP error code and message.
func CodedError(code int, message string, cause error) error {
	return &codedError{code: code, message: message, cause: cause}
}

// ErrorCode extracts the stable code from err, defaulting to
// ErrCodeLaunchAttach when err was not produced via CodedError.
func ErrorCode(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ErrCodeLaunchAttach
}

// knownBadAccessMessage is the backend's crash-report text for a nil-pointer
// dereference; it is surfaced verbatim to the client but substituted with
// the canonical Go runtime wording in the diagnostic log.
const knownBadAccessMessage = "bad access"

// canonicalSIGSEGVMessage substitutes the canonical Go runtime message for
// the backend's generic "bad access" report, referencing the backend issue
// this special-case was carved out for.
func canonicalSIGSEGVMessage(msg string) string {
	if msg != knownBadAccessMessage {
		return msg
	}
	return "runtime error: invalid memory address or nil pointer dereference" +
		" (substituted for backend \"bad access\" report, see go-delve/delve#1903)"
}

// targetExitedSuffix is the substring the halt/Detach error text ends with
// when the debuggee has already exited with status 0. No typed signal is
// available from the backend RPC surface, so this remains the sole
// detection mechanism.
const targetExitedSuffix = "has exited with status 0"

// isTargetExited reports whether err's text indicates the debuggee has
// already exited cleanly. Isolated behind one function so a typed signal
// can be substituted later without touching call sites.
func isTargetExited(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasSuffix(err.Error(), targetExitedSuffix)
}
