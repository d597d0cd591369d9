package api

import (
	"net/http"

	"github.com/go-chi/render"
)

// ErrResponse is the body of a failed request.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

// Render implements render.Renderer.
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(err error, code int) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}

// ErrInvalidRequest is returned for a body that does not describe a valid
// request.
func ErrInvalidRequest(err error) render.Renderer {
	return errResponse(err, http.StatusBadRequest)
}

// ErrNotFound is returned for an unknown servo.
func ErrNotFound(err error) render.Renderer {
	return errResponse(err, http.StatusNotFound)
}

// ErrInternal is returned when a valid request failed.
func ErrInternal(err error) render.Renderer {
	return errResponse(err, http.StatusInternalServerError)
}
