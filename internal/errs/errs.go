package errs

import (
	"errors"
	"fmt"
)

// ConnectionError is returned for any failure establishing or using a
// connection to Host.
type ConnectionError struct {
	Host  string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("error connecting to '%s': %v", e.Host, e.Cause)
	}
	return fmt.Sprintf("error connecting to '%s'", e.Host)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NoServerFoundError is returned when selection ends without a usable host.
type NoServerFoundError struct {
	Reason string
}

func (e *NoServerFoundError) Error() string {
	if e.Reason == "" {
		return "cannot find a test server"
	}
	return "cannot find a test server: " + e.Reason
}

// Connection wraps cause as a ConnectionError for host. An error that is
// already a ConnectionError is returned unchanged.
func Connection(host string, cause error) error {
	var ce *ConnectionError
	if errors.As(cause, &ce) {
		return cause
	}
	return &ConnectionError{Host: host, Cause: cause}
}

func NoServer(reason string) error {
	return &NoServerFoundError{Reason: reason}
}

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsNoServer(err error) bool {
	var ne *NoServerFoundError
	return errors.As(err, &ne)
}
