package broker

import (
	"errors"
	"fmt"
)

// ErrAuth marks a 401 / expired-token response. The session manager reacts
// by running the refresh flow; repeated failure escalates to
// ErrMonitoringPaused.
var ErrAuth = errors.New("broker authentication failed")

// ErrMonitoringPaused marks a user whose credentials could not be restored.
// The session stays resident but subscriptions are torn down and no
// evaluations run until credentials come back.
var ErrMonitoringPaused = errors.New("monitoring paused for user")

// RejectionError is a broker 4xx on an order call. It is recorded in the
// fire log's action_result; the fire is still consumed.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker rejected request: status %d: %s", e.StatusCode, e.Message)
}

// IsRejection reports whether err is a broker-side order rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
