package eventbus

import "fmt"

// ValidationError reports a malformed Subscribe argument. It is the only
// error the bus surfaces to callers; dispatch failures are routed to the
// ErrorReporter instead.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("eventbus: invalid %s: %s", e.Field, e.Reason)
}
