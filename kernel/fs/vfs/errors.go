package vfs

import "novakernel/kernel"

// Kind is the small, stable error enum the VFS translates every
// filesystem driver's error into before it reaches a syscall handler,
// per the error-handling policy's "VFS translates filesystem errors
// into a stable small enum before surfacing to the syscall layer".
type Kind uint8

const (
	KindNotFound Kind = iota
	KindNotADirectory
	KindIsADirectory
	KindAlreadyMounted
	KindNoDriver
	KindInvalidPath
	KindOutOfSpace
	KindCorrupt
	KindIO
)

// Error is a VFS-layer error: a stable Kind plus the underlying
// kernel.Error for logging, if one caused it.
type Error struct {
	Kind  Kind
	Cause *kernel.Error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Message
	}
	return "vfs error"
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Cause: &kernel.Error{Module: "vfs", Message: message}}
}

func wrapError(kind Kind, cause *kernel.Error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

var (
	errNotFound        = newError(KindNotFound, "path not found")
	errNotADirectory   = newError(KindNotADirectory, "component is not a directory")
	errIsADirectory    = newError(KindIsADirectory, "expected a file, found a directory")
	errAlreadyMounted  = newError(KindAlreadyMounted, "mount point already in use")
	errNoDriver        = newError(KindNoDriver, "no filesystem driver registered for this partition type")
	errPartitionUnknown = newError(KindNotFound, "partition not found")
	errMountNonRoot    = newError(KindInvalidPath, "cannot mount below / before a root filesystem is mounted")
)
