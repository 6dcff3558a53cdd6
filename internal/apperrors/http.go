package apperrors

import (
	"errors"
	"net/http"
)

// statuses is checked in order; the first matching sentinel wins.
var statuses = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUnsupported, http.StatusNotImplemented},
}

// HTTPStatus maps an error to its HTTP status code. Errors that wrap no
// known sentinel are internal.
func HTTPStatus(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.sentinel) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}
