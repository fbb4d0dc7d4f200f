package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/otpbroker/internal/models"
	"github.com/sirupsen/logrus"
)

const ProviderLog = "log"

// LogNotifier writes the message to the log instead of sending it. Only for
// local development: the code ends up in plain text in the logs.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Configured() bool {
	return true
}

func (n *LogNotifier) Deliver(_ context.Context, destination, message string) (*models.DeliveryReceipt, error) {
	id := uuid.NewString()
	n.logger.WithFields(logrus.Fields{
		"to":         destination,
		"message_id": id,
		"message":    message,
	}).Info("OTP message (logged for development)")

	return &models.DeliveryReceipt{
		Provider:    ProviderLog,
		MessageID:   id,
		Destination: destination,
		AcceptedAt:  time.Now(),
	}, nil
}
