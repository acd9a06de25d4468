package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrorBody is the structured part of a backend error response. Field
// errors include "non_field_errors" when the backend sends them.
type ErrorBody struct {
	Detail      string
	Message     string
	FieldErrors map[string][]string
}

// ParseErrorBody extracts what it can from a JSON error object. Unknown
// shapes yield an empty body and ok=false.
func ParseErrorBody(raw []byte) (ErrorBody, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ErrorBody{}, false
	}
	body := ErrorBody{FieldErrors: map[string][]string{}}
	for k, v := range obj {
		switch k {
		case "detail":
			body.Detail = rawString(v)
			continue
		case "message":
			body.Message = rawString(v)
			continue
		}
		if msgs := rawStrings(v); len(msgs) > 0 {
			body.FieldErrors[k] = msgs
		}
	}
	return body, true
}

func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if list := rawStrings(v); len(list) > 0 {
		return strings.Join(list, "; ")
	}
	return ""
}

func rawStrings(v json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}

// Fields returns the field names with errors in a stable order.
func (b ErrorBody) Fields() []string {
	out := make([]string, 0, len(b.FieldErrors))
	for k := range b.FieldErrors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// APIError is a failed backend call. StatusCode is 0 when the request never
// produced a response.
type APIError struct {
	StatusCode       int
	Body             ErrorBody
	TransportMessage string
	Err              error
}

func (e *APIError) Error() string {
	if e.TransportMessage != "" {
		return e.TransportMessage
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed with status code %d", e.StatusCode)
	}
	return "request failed"
}

func (e *APIError) Unwrap() error { return e.Err }
