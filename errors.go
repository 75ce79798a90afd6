package relayd

import "pkt.systems/relayd/internal/dispatch"

// Error is the typed failure returned by Relay operations.
type Error = dispatch.Error

// Kind classifies an Error.
type Kind = dispatch.Kind

const (
	KindInvalidInput = dispatch.KindInvalidInput
	KindLock         = dispatch.KindLock
	KindRateLimit    = dispatch.KindRateLimit
	KindRemote       = dispatch.KindRemote
	KindTimeout      = dispatch.KindTimeout
)

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return dispatch.IsKind(err, kind)
}

// Result describes a record the remote accepted.
type Result = dispatch.Result

// Path names how a record reached the remote.
type Path = dispatch.Path

const (
	PathSync         = dispatch.PathSync
	PathJobCreated   = dispatch.PathJobCreated
	PathJobAppended  = dispatch.PathJobAppended
	PathJobRecreated = dispatch.PathJobRecreated
)
