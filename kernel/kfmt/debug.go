package kfmt

// DebugLevel selects a class of diagnostic messages. The values follow the
// bit assignments used by firmware debug libraries so masks can be copied
// over from platform configuration unchanged.
type DebugLevel uint32

const (
	DebugInit    DebugLevel = 0x00000001
	DebugWarn    DebugLevel = 0x00000002
	DebugLoad    DebugLevel = 0x00000004
	DebugPool    DebugLevel = 0x00000010
	DebugPage    DebugLevel = 0x00000020
	DebugInfo    DebugLevel = 0x00000040
	DebugVerbose DebugLevel = 0x00400000
	DebugError   DebugLevel = 0x80000000

	// DefaultDebugMask enables everything but verbose output.
	DefaultDebugMask = DebugInit | DebugWarn | DebugLoad | DebugPool | DebugPage | DebugInfo | DebugError
)

var debugMask = DefaultDebugMask

// SetDebugMask replaces the active debug mask and returns the previous one.
func SetDebugMask(mask DebugLevel) DebugLevel {
	prev := debugMask
	debugMask = mask
	return prev
}

// DebugEnabled returns true if messages at level would be printed.
func DebugEnabled(level DebugLevel) bool {
	return debugMask&level != 0
}

// Debugf behaves like Printf but only produces output when level is enabled
// in the active debug mask.
func Debugf(level DebugLevel, format string, args ...interface{}) {
	if debugMask&level == 0 {
		return
	}

	Fprintf(outputSink, format, args...)
}
