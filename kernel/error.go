package kernel

// ErrorKind classifies an Error so callers can decide how to recover from it
// without comparing against every sentinel exported by each module.
type ErrorKind uint8

const (
	// KindUnknown is the zero value for errors that predate classification.
	KindUnknown ErrorKind = iota

	// KindUnsupported indicates that the requested operation cannot be
	// performed on the current mapping (e.g. no 4K leaf exists).
	KindUnsupported

	// KindOutOfResources indicates that a page or table allocation failed.
	KindOutOfResources

	// KindInvalidParameter indicates a nil pointer or a pointer that does
	// not decode to a record owned by the callee.
	KindInvalidParameter

	// KindCorruption indicates that a bookkeeping record failed validation.
	KindCorruption
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindOutOfResources:
		return "out of resources"
	case KindInvalidParameter:
		return "invalid parameter"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the error paths run while servicing allocation requests
// and must not allocate themselves.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error classification.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsKind returns true if err is non-nil and classified as kind.
func IsKind(err *Error, kind ErrorKind) bool {
	return err != nil && err.Kind == kind
}
