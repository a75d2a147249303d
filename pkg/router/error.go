package router

import (
	"encoding/json"
	"io"
	"net/http"
)

// Error is an error that knows how to render itself as a response body.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError renders as {"code": <status>, "error": <message>}.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// StatusError is a JsonError carrying the standard text of the status code.
func StatusError(code int) JsonError {
	return NewJsonError(code, http.StatusText(code))
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
