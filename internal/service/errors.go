package service

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies the failures a broker operation reports to callers.
type ErrorKind int

const (
	KindSessionNotFound ErrorKind = iota + 1
	KindExpired
	KindAlreadyVerified
	KindInvalidCode
	KindDeliveryFailed
	KindNotConfigured
	KindInvalidPhone
)

func (k ErrorKind) String() string {
	switch k {
	case KindSessionNotFound:
		return "SESSION_NOT_FOUND"
	case KindExpired:
		return "OTP_EXPIRED"
	case KindAlreadyVerified:
		return "OTP_ALREADY_VERIFIED"
	case KindInvalidCode:
		return "INVALID_OTP"
	case KindDeliveryFailed:
		return "DELIVERY_FAILED"
	case KindNotConfigured:
		return "NOT_CONFIGURED"
	case KindInvalidPhone:
		return "INVALID_PHONE"
	default:
		return "UNKNOWN"
	}
}

// StatusCode maps the kind to the HTTP status the OTP routes answer with.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindInvalidPhone:
		return http.StatusBadRequest
	case KindInvalidCode:
		return http.StatusUnauthorized
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindAlreadyVerified:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindDeliveryFailed:
		return http.StatusBadGateway
	case KindNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OTPError is the tagged result of an expected broker failure. Message is
// user-facing; Err, when set, is the underlying cause for logs.
type OTPError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *OTPError) Unwrap() error {
	return e.Err
}

// Is matches any *OTPError of the same kind, so errors.Is(err, ErrExpired)
// works regardless of message or cause.
func (e *OTPError) Is(target error) bool {
	t, ok := target.(*OTPError)
	return ok && t.Kind == e.Kind
}

var (
	ErrSessionNotFound = &OTPError{Kind: KindSessionNotFound, Message: "Invalid session"}
	ErrExpired         = &OTPError{Kind: KindExpired, Message: "OTP expired"}
	ErrAlreadyVerified = &OTPError{Kind: KindAlreadyVerified, Message: "OTP already verified"}
	ErrInvalidCode     = &OTPError{Kind: KindInvalidCode, Message: "Invalid OTP"}
	ErrDeliveryFailed  = &OTPError{Kind: KindDeliveryFailed, Message: "Failed to deliver OTP"}
	ErrNotConfigured   = &OTPError{Kind: KindNotConfigured, Message: "OTP delivery service is not configured"}
	ErrInvalidPhone    = &OTPError{Kind: KindInvalidPhone, Message: "Invalid phone number"}
)
