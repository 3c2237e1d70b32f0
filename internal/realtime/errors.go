package realtime

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable realtime error classification.
type ErrorCode string

const (
	CodeInvalidConfig       ErrorCode = "invalid_config"
	CodeChannelError        ErrorCode = "channel_error"
	CodeTimedOut            ErrorCode = "timed_out"
	CodeRetriesExhausted    ErrorCode = "retries_exhausted"
	CodeHandlerPanic        ErrorCode = "handler_panic"
	CodeManagerClosed       ErrorCode = "manager_closed"
	CodeUnsubscribeFailed   ErrorCode = "unsubscribe_failed"
	CodeUnknownSubscription ErrorCode = "unknown_subscription"
)

var (
	errChannelFailed  = errors.New("channel subscription failed")
	errChannelTimeout = errors.New("channel subscription timed out")
)

// Error describes a subscription failure.
type Error struct {
	code           ErrorCode
	subscriptionID string
	table          string
	err            error
}

func newError(code ErrorCode, subscriptionID, table string, cause error) *Error {
	return &Error{code: code, subscriptionID: subscriptionID, table: table, err: cause}
}

func (e *Error) Error() string {
	message := string(e.code)
	if e.table != "" {
		message = fmt.Sprintf("%s (table %s)", message, e.table)
	}
	if e.err == nil {
		return "realtime: " + message
	}
	return fmt.Sprintf("realtime: %s: %v", message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// SubscriptionID returns the subscription the error belongs to, if any.
func (e *Error) SubscriptionID() string {
	return e.subscriptionID
}

// IsCode reports whether err is a realtime Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var realtimeErr *Error
	return errors.As(err, &realtimeErr) && realtimeErr.code == code
}
