// Package rpcerr defines the structured errors returned across the wallet
// provider boundary. Codes follow the EIP-1193 provider error convention,
// which browser dApp code pattern-matches on, so the numbers are a
// compatibility contract and must not change.
package rpcerr

import (
	"errors"
	"fmt"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
)

// CodeInvalidParams is the JSON-RPC 2.0 invalid-params code, used when a
// request's argument shape is wrong rather than its method unsupported.
const CodeInvalidParams = -32602

// Error is a provider error with a numeric code that survives JSON
// serialization to the page.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// New creates an Error with an arbitrary code.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// UserRejected is returned when a request is explicitly rejected,
// either by the controller or by policy.
func UserRejected(reason string) *Error {
	if reason == "" {
		reason = "User rejected the request"
	}
	return &Error{Code: CodeUserRejected, Message: reason}
}

// Unauthorized is returned when the requesting origin has no account access.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Unauthorized"
	}
	return &Error{Code: CodeUnauthorized, Message: message}
}

// UnsupportedMethod is returned on a dispatch table miss.
func UnsupportedMethod(method string) *Error {
	return &Error{Code: CodeUnsupportedMethod, Message: fmt.Sprintf("Unsupported method: %s", method)}
}

// InvalidParams is returned when a request's arguments cannot be decoded.
func InvalidParams(message string) *Error {
	if message == "" {
		message = "Invalid params"
	}
	return &Error{Code: CodeInvalidParams, Message: message}
}

// Disconnected is returned when the queue is cleared or the backend is
// unreachable.
func Disconnected(message string) *Error {
	if message == "" {
		message = "Provider disconnected"
	}
	return &Error{Code: CodeDisconnected, Message: message}
}

// ChainDisconnected is returned when the requested chain is unavailable.
func ChainDisconnected(message string) *Error {
	if message == "" {
		message = "Chain disconnected"
	}
	return &Error{Code: CodeChainDisconnected, Message: message}
}

// From converts any error into an *Error. Errors that already carry a code
// pass through unchanged; everything else becomes a disconnected-class
// error so nothing crosses the boundary without a code.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeDisconnected, Message: err.Error()}
}

// CodeOf returns the provider code carried by err, or 0 if none.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
