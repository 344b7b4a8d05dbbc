package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures so the HTTP boundary can translate
// them into status codes without inspecting messages.
type ErrorKind string

// 錯誤類別常數
const (
	KindInvalidInput    ErrorKind = "INVALID_INPUT"     // 400
	KindJobNotFound     ErrorKind = "JOB_NOT_FOUND"     // 404
	KindJobNotCompleted ErrorKind = "JOB_NOT_COMPLETED" // 400
	KindTransport       ErrorKind = "TRANSPORT_ERROR"   // 500：落庫後發佈失敗
	KindStore           ErrorKind = "STORE_ERROR"       // 500
	KindInternal        ErrorKind = "INTERNAL_ERROR"    // 500
)

// Error is a typed service error carrying a client-facing message and
// per-field or contextual details.
type Error struct {
	Kind    ErrorKind
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, message, details string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Details: details, cause: cause}
}

// KindOf returns the classification of err, KindInternal for anything
// untyped.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}
