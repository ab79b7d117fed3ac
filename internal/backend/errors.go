package backend

import (
	"fmt"
	"net/http"
)

// TransportError reports a failed backend request: network failure,
// unexpected HTTP status or a non-SUCCESS result envelope. It is always
// recoverable; callers keep their previous state and retry on the next
// trigger.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int    // 0 when no response was received
	Result     string // envelope result when the backend answered non-SUCCESS
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Result != "":
		return fmt.Sprintf("%s %s: backend result %q", e.Op, e.URL, e.Result)
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("%s %s: HTTP %d %s", e.Op, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFound reports whether the backend answered 404 for the resource.
func (e *TransportError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
