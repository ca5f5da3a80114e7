package dcall

import "errors"

// NoMemberAvailableError is the failure delivered to a call
// when no cluster member could be reached to serve it,
// either because reconnection found nothing or because the client shut down.
type NoMemberAvailableError struct {
	Reason string
}

func (e NoMemberAvailableError) Error() string {
	if e.Reason == "" {
		return "no cluster member available"
	}
	return "no cluster member available: " + e.Reason
}

// IsNoMemberAvailable reports whether err is or wraps a [NoMemberAvailableError].
func IsNoMemberAvailable(err error) bool {
	var nma NoMemberAvailableError
	return errors.As(err, &nma)
}
