package apperrors

import (
	"errors"
	"net/http"
)

// statusOf is checked in order, so a joined error takes the status of its
// first listed kind. Failures of a remote service are the gateway's
// problem, not the caller's.
var statusOf = []struct {
	kind   error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrState, http.StatusConflict},
	{ErrCancelled, http.StatusConflict},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrNetwork, http.StatusBadGateway},
	{ErrService, http.StatusBadGateway},
}

// HTTPStatus returns the response status for err. Unclassified errors,
// compensation failures included, are 500.
func HTTPStatus(err error) int {
	for _, m := range statusOf {
		if errors.Is(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
