package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qcom/otpbroker/internal/config"
	"github.com/qcom/otpbroker/internal/models"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const ProviderWhatsApp = "whatsapp"

// WhatsAppNotifier sends text messages through the WhatsApp Business Cloud API.
type WhatsAppNotifier struct {
	httpClient    *http.Client
	endpoint      string
	phoneNumberID string
	accessToken   string
	maxRetries    uint64
	retryBase     time.Duration
	logger        *logrus.Logger
}

type WhatsAppOption func(*WhatsAppNotifier)

func WithHTTPClient(client *http.Client) WhatsAppOption {
	return func(n *WhatsAppNotifier) {
		n.httpClient = client
	}
}

// WithRetry sets how many times a 429 or 5xx answer is retried and the base
// of the Fibonacci backoff between attempts.
func WithRetry(maxRetries uint64, base time.Duration) WhatsAppOption {
	return func(n *WhatsAppNotifier) {
		n.maxRetries = maxRetries
		n.retryBase = base
	}
}

func NewWhatsAppNotifier(cfg config.WhatsAppConfig, logger *logrus.Logger, opts ...WhatsAppOption) *WhatsAppNotifier {
	n := &WhatsAppNotifier{
		httpClient:    &http.Client{},
		endpoint:      fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.GraphURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		maxRetries:    2,
		retryBase:     200 * time.Millisecond,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WhatsAppNotifier) Configured() bool {
	return n.phoneNumberID != "" && n.accessToken != ""
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppMessageRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

type whatsAppMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (n *WhatsAppNotifier) Deliver(ctx context.Context, destination, message string) (*models.DeliveryReceipt, error) {
	if !n.Configured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(whatsAppMessageRequest{
		MessagingProduct: "whatsapp",
		To:               destination,
		Type:             "text",
		Text:             whatsAppText{Body: message},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal whatsapp message: %w", err)
	}

	var receipt *models.DeliveryReceipt

	backoff := retry.WithMaxRetries(n.maxRetries, retry.NewFibonacci(n.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := n.post(ctx, destination, payload)
		if err != nil {
			var de *DeliveryError
			if errors.As(err, &de) && de.Retryable {
				n.logger.WithError(err).WithField("to", MaskPhone(destination)).Warn("Retrying WhatsApp delivery")
				return retry.RetryableError(err)
			}
			return err
		}
		receipt = r
		return nil
	})
	if err == nil {
		return receipt, nil
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return nil, de
	}
	return nil, &DeliveryError{Provider: ProviderWhatsApp, Message: err.Error(), Err: err}
}

func (n *WhatsAppNotifier) post(ctx context.Context, destination string, payload []byte) (*models.DeliveryReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		// *url.Error carries the URL, not the bearer token.
		return nil, &DeliveryError{Provider: ProviderWhatsApp, Message: err.Error(), Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &DeliveryError{Provider: ProviderWhatsApp, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var parsed whatsAppMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		n.logger.WithError(err).WithField("status", resp.StatusCode).Debug("Unparseable WhatsApp response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, &DeliveryError{
			Provider:   ProviderWhatsApp,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	receipt := &models.DeliveryReceipt{
		Provider:    ProviderWhatsApp,
		Destination: destination,
		AcceptedAt:  time.Now(),
	}
	if len(parsed.Messages) > 0 {
		receipt.MessageID = parsed.Messages[0].ID
	}

	return receipt, nil
}
