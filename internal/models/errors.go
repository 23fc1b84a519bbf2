package models

import (
	"fmt"
	"strings"
)

// ValidationError reports a badly constructed command. It is raised locally
// and never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid command: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedExpressionError reports a function or operator the translator
// has no renderer for
type UnsupportedExpressionError struct {
	Name   string
	Reason string
}

func (e *UnsupportedExpressionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported expression %q", e.Name)
	}
	return fmt.Sprintf("unsupported expression %q: %s", e.Name, e.Reason)
}

// TransportError wraps a failure of the transport collaborator
type TransportError struct {
	Method string
	URI    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.URI, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed OData error envelope returned by the server
type ProtocolError struct {
	StatusCode int
	ODataError
}

func (e *ProtocolError) Error() string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("OData error (HTTP %d)", e.StatusCode))
	if e.Code != "" {
		msg.WriteString(fmt.Sprintf(" [%s]", e.Code))
	}
	msg.WriteString(": " + e.Message)
	if e.Target != "" {
		msg.WriteString(fmt.Sprintf(" (target: %s)", e.Target))
	}
	if len(e.Details) > 0 {
		msg.WriteString(" | Details: ")
		for i, detail := range e.Details {
			if i > 0 {
				msg.WriteString("; ")
			}
			msg.WriteString(detail.Message)
			if detail.Target != "" {
				msg.WriteString(fmt.Sprintf(" (target: %s)", detail.Target))
			}
		}
	}
	return msg.String()
}

// DecodeError reports a malformed or schema-mismatched response body
type DecodeError struct {
	StatusCode int
	Property   string
	Reason     string
	Err        error
}

func (e *DecodeError) Error() string {
	var msg strings.Builder
	msg.WriteString("decode error")
	if e.StatusCode != 0 {
		msg.WriteString(fmt.Sprintf(" (HTTP %d)", e.StatusCode))
	}
	if e.Property != "" {
		msg.WriteString(fmt.Sprintf(" at %q", e.Property))
	}
	msg.WriteString(": " + e.Reason)
	if e.Err != nil {
		msg.WriteString(": " + e.Err.Error())
	}
	return msg.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError is returned by schema lookups for unknown names
type NotFoundError struct {
	Kind string // "entity set", "entity type", "property"
	Name string
	In   string
}

func (e *NotFoundError) Error() string {
	if e.In != "" {
		return fmt.Sprintf("%s %q not found in %s", e.Kind, e.Name, e.In)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}
