package kernel

// Error describes a failure raised by one of the bootstrap modules. Errors
// are declared as package-level pointers so that callers can compare them
// by identity; a wrapped Error can be recovered with errors.Cause or
// matched with errors.Is.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}
