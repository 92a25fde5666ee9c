package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeTransport represents carrier socket failures. These are the
	// only errors that end a session on their own.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeTranscription represents speech-to-text stream failures
	ErrorTypeTranscription ErrorType = "transcription"
	// ErrorTypeRetrieval represents knowledge-base lookup failures
	ErrorTypeRetrieval ErrorType = "retrieval"
	// ErrorTypeGeneration represents LLM failures
	ErrorTypeGeneration ErrorType = "generation"
	// ErrorTypeSynthesis represents text-to-speech failures
	ErrorTypeSynthesis ErrorType = "synthesis"
	// ErrorTypeCache represents response-cache failures, always treated as a miss
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// New creates a new BaseError
func New(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// NewTransport wraps a carrier socket failure
func NewTransport(message string, err error) *BaseError {
	return New(ErrorTypeTransport, message, err)
}

// NewTranscription wraps an STT failure
func NewTranscription(message string, err error) *BaseError {
	return New(ErrorTypeTranscription, message, err)
}

// NewRetrieval wraps a knowledge-base failure
func NewRetrieval(message string, err error) *BaseError {
	return New(ErrorTypeRetrieval, message, err)
}

// NewGeneration wraps an LLM failure
func NewGeneration(message string, err error) *BaseError {
	return New(ErrorTypeGeneration, message, err)
}

// NewSynthesis wraps a TTS failure
func NewSynthesis(message string, err error) *BaseError {
	return New(ErrorTypeSynthesis, message, err)
}

// NewCache wraps a cache failure
func NewCache(message string, err error) *BaseError {
	return New(ErrorTypeCache, message, err)
}

// TypeOf returns the category of err, or the empty string for errors that
// did not originate from this package.
func TypeOf(err error) ErrorType {
	var base *BaseError
	if errors.As(err, &base) {
		return base.Type
	}
	return ""
}

// IsFatal reports whether err must end the call session. Per the turn
// failure policy, only carrier transport failures are fatal; everything
// else is converted to a fallback utterance at the turn boundary.
func IsFatal(err error) bool {
	return TypeOf(err) == ErrorTypeTransport
}

// ErrRetrievalTimeout is returned when the knowledge-base lookup misses the
// generation join window. Callers proceed context-free.
var ErrRetrievalTimeout = NewRetrieval("retrieval exceeded join timeout", nil)

// ErrSessionClosed is returned by session operations after teardown has run.
var ErrSessionClosed = errors.New("session closed")

// ErrSynthesisActive is returned when a second synthesis is started while
// one is still in flight for the same session.
var ErrSynthesisActive = errors.New("synthesis already active for session")
