// Package notifier delivers one-time passcodes to a phone number through a
// messaging vendor. The broker only sees models.DeliveryReceipt and
// *DeliveryError, never vendor response bodies.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/qcom/otpbroker/internal/models"
)

// ErrNotConfigured is returned when a notifier is missing vendor credentials.
var ErrNotConfigured = errors.New("notifier is not configured")

type Notifier interface {
	Deliver(ctx context.Context, destination, message string) (*models.DeliveryReceipt, error)
	Configured() bool
}

// DeliveryError describes a vendor rejection. Message is safe to show to an
// operator; it never contains credentials.
type DeliveryError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s delivery failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s delivery failed: %s", e.Provider, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// MaskPhone hides all but the last four digits for logging.
func MaskPhone(phone string) string {
	const visible = 4
	if len(phone) <= visible {
		return phone
	}
	masked := make([]byte, len(phone))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(phone)-visible:], phone[len(phone)-visible:])
	return string(masked)
}
