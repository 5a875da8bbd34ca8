// Package apperr defines the error kinds surfaced by ledger, position, strategy
// and settlement operations.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound        Code = "ACCOUNT_NOT_FOUND"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeInvalidParameters      Code = "INVALID_PARAMETERS"
	CodePositionNotFound       Code = "POSITION_NOT_FOUND"
	CodeAlreadyClosed          Code = "ALREADY_CLOSED"
	CodeBotNotFound            Code = "BOT_NOT_FOUND"
	CodeBotNotRunning          Code = "BOT_NOT_RUNNING"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeNotFound               Code = "NOT_FOUND"
	CodeTimeout                Code = "TIMEOUT"
	CodeInternal               Code = "INTERNAL"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAccountNotFound        = errors.New("account not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidParameters      = errors.New("invalid parameters")
	ErrPositionNotFound       = errors.New("position not found")
	ErrAlreadyClosed          = errors.New("already closed")
	ErrBotNotFound            = errors.New("bot not found")
	ErrBotNotRunning          = errors.New("bot not running")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrAccountNotFound, CodeAccountNotFound},
	{ErrConcurrentModification, CodeConcurrentModification},
	{ErrInvalidParameters, CodeInvalidParameters},
	{ErrPositionNotFound, CodePositionNotFound},
	{ErrAlreadyClosed, CodeAlreadyClosed},
	{ErrBotNotFound, CodeBotNotFound},
	{ErrBotNotRunning, CodeBotNotRunning},
	{ErrInvalidState, CodeInvalidState},
	{ErrNotFound, CodeNotFound},
	{context.DeadlineExceeded, CodeTimeout},
}

// Invalid wraps ErrInvalidParameters with a field-level message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// Failure is the structured error result handed to callers at the boundary.
type Failure struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Describe converts err into a Failure. Internal errors are not echoed.
func Describe(err error) *Failure {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return &Failure{Code: code, Message: msg, Retryable: IsRetryable(err)}
}
