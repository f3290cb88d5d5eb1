package server

import "fmt"

// DispatchCode classifies why a command could not produce a result.
type DispatchCode int

const (
	DispatchNotConnected DispatchCode = iota
	DispatchBusy
	DispatchTimeout
	DispatchIOError
)

func (c DispatchCode) String() string {
	switch c {
	case DispatchNotConnected:
		return "not_connected"
	case DispatchBusy:
		return "busy"
	case DispatchTimeout:
		return "timeout"
	case DispatchIOError:
		return "io_error"
	}
	return "unknown"
}

// DispatchError is the failure outcome of sending a command to a session.
type DispatchError struct {
	Code     DispatchCode
	Hostname string
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch to %s: %s: %v", e.Hostname, e.Code, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: %s", e.Hostname, e.Code)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
