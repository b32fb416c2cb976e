package assert

import "fmt"

// Assert panics when cond does not hold. The optional arguments are a format
// string followed by its operands. Used for programmer errors only, never for
// I/O failures.
func Assert(cond bool, msgAndArgs ...any) {
	if cond {
		return
	}

	if len(msgAndArgs) == 0 {
		panic("assertion failed")
	}

	format, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %v", msgAndArgs...))
	}
	panic("assertion failed: " + fmt.Sprintf(format, msgAndArgs[1:]...))
}
