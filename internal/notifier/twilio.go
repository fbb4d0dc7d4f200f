package notifier

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/qcom/otpbroker/internal/config"
	"github.com/qcom/otpbroker/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const ProviderTwilio = "twilio"

// messageCreator is satisfied by (*twilio.RestClient).Api.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioNotifier sends the code as an SMS through Twilio Programmable Messaging.
type TwilioNotifier struct {
	api        messageCreator
	from       string
	configured bool
	logger     *logrus.Logger
}

func NewTwilioNotifier(cfg config.TwilioConfig, logger *logrus.Logger) *TwilioNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioNotifier{
		api:        client.Api,
		from:       cfg.FromNumber,
		configured: cfg.AccountSID != "" && cfg.AuthToken != "" && cfg.FromNumber != "",
		logger:     logger,
	}
}

func (n *TwilioNotifier) Configured() bool {
	return n.configured
}

// Deliver sends to "+<digits>". The Twilio SDK has no context support, so the
// call runs in its own goroutine and is abandoned when ctx is done.
func (n *TwilioNotifier) Deliver(ctx context.Context, destination, message string) (*models.DeliveryReceipt, error) {
	if !n.Configured() {
		return nil, ErrNotConfigured
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(n.from)
	params.SetTo("+" + destination)
	params.SetBody(message)

	type result struct {
		msg *openapi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := n.api.CreateMessage(params)
		done <- result{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &DeliveryError{Provider: ProviderTwilio, Message: "delivery timed out", Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return nil, twilioDeliveryError(res.err)
		}

		receipt := &models.DeliveryReceipt{
			Provider:    ProviderTwilio,
			Destination: destination,
			AcceptedAt:  time.Now(),
		}
		if res.msg != nil && res.msg.Sid != nil {
			receipt.MessageID = *res.msg.Sid
		}
		return receipt, nil
	}
}

func twilioDeliveryError(err error) *DeliveryError {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &DeliveryError{
			Provider:   ProviderTwilio,
			StatusCode: restErr.Status,
			Message:    restErr.Message,
			Retryable:  restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500,
			Err:        err,
		}
	}
	return &DeliveryError{Provider: ProviderTwilio, Message: err.Error(), Err: err}
}
