// Package httputil maps domain errors onto JSON HTTP responses.
package httputil

import (
	"encoding/json"
	"net/http"

	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto an HTTP status and a JSON error body. Internal errors
// omit the description so infrastructure details never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	code := derrors.CodeOf(err)
	body := errorBody{Error: string(code)}
	if code != derrors.CodeInternal {
		body.ErrorDescription = derrors.MessageOf(err)
	}
	WriteJSON(w, derrors.HTTPStatus(err), body)
}

// WriteRaw replays a previously recorded response body verbatim.
func WriteRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
