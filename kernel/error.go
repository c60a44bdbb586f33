package kernel

// Error describes an error condition detected by a kernel subsystem. Kernel
// errors must be defined as global variables that are pointers to an Error
// value: the Go allocator is not available at the points where most of these
// errors get raised so errors.New cannot be used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
