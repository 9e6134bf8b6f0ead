package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ResponseError is an error reported by OpenSearch for a request or a bulk item.
type ResponseError struct {
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("opensearch error (status %d): %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("opensearch error (status %d): %s: %s", e.Status, e.Type, e.Reason)
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	var re *ResponseError
	return errors.As(err, &re) && (re.Status == 409 || re.Type == "version_conflict_engine_exception")
}

// IsNotFound reports whether err is an index or document not found error.
func IsNotFound(err error) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.Status == 404
}

type errorBody struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

type errorDetail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func decodeError(status int, body io.Reader) error {
	raw, _ := io.ReadAll(body)
	re := &ResponseError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || len(eb.Error) == 0 {
		re.Reason = string(raw)
		return re
	}

	var detail errorDetail
	if err := json.Unmarshal(eb.Error, &detail); err == nil && detail.Type != "" {
		re.Type = detail.Type
		re.Reason = detail.Reason
		return re
	}

	var msg string
	if err := json.Unmarshal(eb.Error, &msg); err == nil {
		re.Reason = msg
		return re
	}
	re.Reason = string(eb.Error)
	return re
}
