package session

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when Open is called while another page is loading.
var ErrBusy = errors.New("session: another page is being opened")

// PageLoadError is returned when a page cannot be loaded or its elements
// cannot be captured. No partial view accompanies it.
type PageLoadError struct {
	URL string
	Err error
}

func (e *PageLoadError) Error() string {
	return fmt.Sprintf("session: load %s: %v", e.URL, e.Err)
}

func (e *PageLoadError) Unwrap() error { return e.Err }
