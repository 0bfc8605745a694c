package pagination

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedStatus is wrapped by PageError for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrMalformedPage is wrapped by PageError when a body is not a JSON array of objects.
	ErrMalformedPage = errors.New("malformed page")
)

// PageError reports a failure while fetching or reading one page.
type PageError struct {
	// Resource is the configured fetcher name.
	Resource string

	// Page is the 1-based page number.
	Page int

	URL string

	// StatusCode is the HTTP status, 0 for transport failures.
	StatusCode int

	Err error
}

func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s page %d (%s): status %d: %v", e.Resource, e.Page, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s page %d (%s): %v", e.Resource, e.Page, e.URL, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}
