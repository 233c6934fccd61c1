package shoper

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrPageCapExceeded = errors.New("shoper: product listing exceeded page cap")

// APIError is a non-success catalog response. Description holds the
// server-provided error_description when the body was parseable.
type APIError struct {
	Operation   string
	StatusCode  int
	Body        string
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Body
	}
	if e.Operation == "" {
		return fmt.Sprintf("shoper api error %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("shoper %s failed: %d, %s", e.Operation, e.StatusCode, msg)
}

// Message is the text an operator should see for this error.
func (e *APIError) Message() string {
	if e.Description != "" {
		return e.Description
	}
	if e.Body != "" {
		return e.Body
	}
	return http.StatusText(e.StatusCode)
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func newAPIError(operation string, status int, body []byte) *APIError {
	apiErr := &APIError{
		Operation:  operation,
		StatusCode: status,
		Body:       strings.TrimSpace(string(body)),
	}
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Error
		apiErr.Description = strings.TrimSpace(payload.ErrorDescription)
	}
	return apiErr
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
