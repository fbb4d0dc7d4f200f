package notifier

import (
	"fmt"

	"github.com/qcom/otpbroker/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds the notifier selected by cfg.Provider. A provider with missing
// credentials is still returned; the broker reports it as not configured.
func New(cfg config.NotifierConfig, logger *logrus.Logger) (Notifier, error) {
	switch cfg.Provider {
	case config.NotifierWhatsApp:
		return NewWhatsAppNotifier(cfg.WhatsApp, logger), nil
	case config.NotifierTwilio:
		return NewTwilioNotifier(cfg.Twilio, logger), nil
	case config.NotifierLog:
		return NewLogNotifier(logger), nil
	default:
		return nil, fmt.Errorf("unsupported notifier provider %q", cfg.Provider)
	}
}
