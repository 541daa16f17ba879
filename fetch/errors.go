package fetch

import "fmt"

// Reason classifies a fetch failure.
type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonNetworkError      Reason = "network_error"
	ReasonUnsupportedScheme Reason = "unsupported_scheme"
	ReasonBlocked           Reason = "blocked"
)

// FetchError is returned for every failed Fetch.
type FetchError struct {
	Reason   Reason
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s: %s: %v", e.Reason, e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches another *FetchError by Reason, so callers can write
// errors.Is(err, &fetch.FetchError{Reason: fetch.ReasonNotFound}).
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && (t.Location == "" || t.Location == e.Location)
}
