// Package errors provides standardized error codes for the Jeeves UI shell.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that detected the error (host, payload, channel, config)
//   - error: The specific error type within that domain
//
// Codes are stable so that log queries and the status line in the view can
// match on them. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Host domain - presence of the hosting node
	CodeHostAbsent = "host.absent" // Node or process identity was not supplied

	// Payload domain - inbound message decoding
	CodePayloadMalformed = "payload.malformed"  // Inbound text is not valid JSON
	CodePayloadNotObject = "payload.not_object" // Valid JSON but not an object
	CodePayloadEmpty     = "payload.empty"      // Object without any keys

	// Dispatch domain - routing decoded envelopes
	CodeDispatchHandlerMissing = "dispatch.handler_missing" // No route and no fallback for a type

	// Channel domain - realtime connection to the host
	CodeChannelDialFailed       = "channel.dial_failed"       // Websocket handshake failed
	CodeChannelNotConnected     = "channel.not_connected"     // Send attempted while not connected
	CodeChannelClosed           = "channel.closed"            // Channel was closed by the owner
	CodeChannelSendFailed       = "channel.send_failed"       // Outbound frame could not be queued or encoded
	CodeChannelConnectionLost   = "channel.connection_lost"   // Connection dropped after being established
	CodeChannelRetriesExhausted = "channel.retries_exhausted" // Reconnect attempts used up

	// Config domain - configuration loading
	CodeConfigNotFound = "config.not_found" // Explicit config path does not exist
	CodeConfigInvalid  = "config.invalid"   // Config file could not be parsed

	// State domain - host state document
	CodeStateFetchFailed = "state.fetch_failed" // GET on the host endpoint failed

	// Journal domain - inbound message journal
	CodeJournalOpenFailed  = "journal.open_failed"
	CodeJournalWriteFailed = "journal.write_failed"

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"
	CodeInternal = "error.internal"
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "payload.malformed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CodedError with the same code.
// This lets callers compare against sentinel values such as message.ErrEmpty.
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// ToCodeAndMessage extracts both code and message from an error.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// HostAbsent creates a "host.absent" error naming the missing fields.
func HostAbsent(missing string) *CodedError {
	return New(CodeHostAbsent, fmt.Sprintf("not running inside host: %s not supplied", missing))
}

// PayloadMalformed creates a "payload.malformed" error.
func PayloadMalformed(cause error) *CodedError {
	return Wrap(CodePayloadMalformed, "payload is not valid JSON", cause)
}

// DialFailed creates a "channel.dial_failed" error for the given endpoint.
func DialFailed(endpoint string, cause error) *CodedError {
	return Wrap(CodeChannelDialFailed, fmt.Sprintf("dial %s failed", endpoint), cause)
}

// RetriesExhausted creates a "channel.retries_exhausted" error.
// The last dial or read error is kept as the cause.
func RetriesExhausted(attempts int, cause error) *CodedError {
	return Wrap(CodeChannelRetriesExhausted, fmt.Sprintf("gave up after %d attempts", attempts), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
