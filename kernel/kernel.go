// Package kernel contains the types shared by every other package in the
// core kernel object subsystem: the kernel-wide error type and a handful of
// allocator-free memory helpers that are safe to call before the Go runtime
// has been bootstrapped (see the goruntime package).
package kernel

// Kind classifies a kernel Error so that callers can react to a failure
// class without resorting to string comparisons. The set mirrors the error
// taxonomy that every layer of the core agrees on: leaf operations return a
// Kind, and intermediate layers either recover from it or propagate it
// unchanged.
type Kind uint8

const (
	// KindOK is the Kind used by the zero-value *Error; it is never
	// actually returned as an error since a nil *Error already means
	// success, but callers may check Kind == KindOK defensively.
	KindOK Kind = iota

	// KindInvalid indicates a malformed argument: bad alignment, an
	// unknown id, an out-of-range value.
	KindInvalid

	// KindNoMem indicates the kernel ran out of memory or physical
	// frames servicing the request.
	KindNoMem

	// KindLimit indicates a fixed capacity was exceeded (too many
	// phones, too many memory areas, ...).
	KindLimit

	// KindTimeout indicates a deadline elapsed before the awaited event
	// occurred.
	KindTimeout

	// KindIntr indicates a sleep was interrupted by a termination
	// request.
	KindIntr

	// KindPageFault indicates a page fault could not be serviced.
	KindPageFault

	// KindFatal indicates an invariant was violated. Errors of this kind
	// are never returned to a caller that could mask them: they flow
	// straight into a panic.
	KindFatal
)

// Error describes a kernel error. All kernel errors must be defined as
// global variables that are pointers to the Error structure. This
// requirement stems from the fact that the Go allocator is not available to
// us so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// The error kind, used for programmatic dispatch instead of string
	// comparison.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal reports whether this error's Kind is KindFatal. Callers that
// discover a FATAL error must never attempt to recover from it.
func (e *Error) Fatal() bool {
	return e != nil && e.Kind == KindFatal
}
