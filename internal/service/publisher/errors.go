package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// DeliveryError is a classified failure reported by a platform call.
type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// CredentialRejected is set when the platform refused the access token.
	CredentialRejected bool
	Err                error
}

func (e *DeliveryError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func Transient(statusCode int, message string, err error) *DeliveryError {
	return &DeliveryError{Kind: KindTransient, StatusCode: statusCode, Message: message, Err: err}
}

func Permanent(statusCode int, message string, err error) *DeliveryError {
	return &DeliveryError{Kind: KindPermanent, StatusCode: statusCode, Message: message, Err: err}
}

// IsTransient reports whether retrying the same call may succeed.
// Unclassified timeouts and network errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func IsCredentialRejected(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.CredentialRejected
}
