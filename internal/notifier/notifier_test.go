package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qcom/otpbroker/internal/config"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const testToken = "EAAG-secret-token"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestWhatsApp(t *testing.T, handler http.HandlerFunc) *WhatsAppNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewWhatsAppNotifier(config.WhatsAppConfig{
		PhoneNumberID: "1234567890",
		AccessToken:   testToken,
		APIVersion:    "v18.0",
		GraphURL:      srv.URL,
	}, quietLogger(), WithRetry(2, time.Millisecond))
}

func TestWhatsAppDeliver(t *testing.T) {
	var got whatsAppMessageRequest
	n := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v18.0/1234567890/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer "+testToken {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	})

	receipt, err := n.Deliver(context.Background(), "15550100", "Your verification code is: 042817")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if receipt.MessageID != "wamid.ABC" || receipt.Provider != ProviderWhatsApp {
		t.Errorf("receipt = %+v", receipt)
	}
	if got.MessagingProduct != "whatsapp" || got.Type != "text" || got.To != "15550100" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(got.Text.Body, "042817") {
		t.Errorf("body = %q", got.Text.Body)
	}
}

func TestWhatsAppDeliverLogsUnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>accepted</html>`))
	}))
	t.Cleanup(srv.Close)

	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	n := NewWhatsAppNotifier(config.WhatsAppConfig{
		PhoneNumberID: "1234567890",
		AccessToken:   testToken,
		APIVersion:    "v18.0",
		GraphURL:      srv.URL,
	}, logger)

	receipt, err := n.Deliver(context.Background(), "15550100", "code")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if receipt.MessageID != "" {
		t.Errorf("MessageID = %q, want empty", receipt.MessageID)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.DebugLevel || entry.Data[logrus.ErrorKey] == nil {
		t.Fatalf("last log entry = %+v, want debug entry with error", entry)
	}
	if entry.Data["status"] != http.StatusOK {
		t.Errorf("logged status = %v, want 200", entry.Data["status"])
	}
}

func TestWhatsAppDeliverVendorError(t *testing.T) {
	var calls int32
	n := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"(#131030) Recipient phone number not in allowed list","type":"OAuthException","code":131030}}`))
	})

	_, err := n.Deliver(context.Background(), "15550100", "hi")

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Deliver() error = %v, want *DeliveryError", err)
	}
	if de.StatusCode != http.StatusBadRequest || !strings.Contains(de.Message, "not in allowed list") {
		t.Errorf("DeliveryError = %+v", de)
	}
	if strings.Contains(err.Error(), testToken) {
		t.Error("error leaks the access token")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (4xx is not retried)", calls)
	}
}

func TestWhatsAppDeliverRetriesServerErrors(t *testing.T) {
	var calls int32
	n := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.RETRY"}]}`))
	})

	receipt, err := n.Deliver(context.Background(), "15550100", "hi")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if receipt.MessageID != "wamid.RETRY" {
		t.Errorf("MessageID = %q", receipt.MessageID)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWhatsAppDeliverGivesUpAfterRetries(t *testing.T) {
	var calls int32
	n := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := n.Deliver(context.Background(), "15550100", "hi")

	var de *DeliveryError
	if !errors.As(err, &de) || de.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Deliver() error = %v, want 500 DeliveryError", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWhatsAppNotConfigured(t *testing.T) {
	n := NewWhatsAppNotifier(config.WhatsAppConfig{APIVersion: "v18.0"}, quietLogger())

	if n.Configured() {
		t.Fatal("Configured() = true without credentials")
	}
	if _, err := n.Deliver(context.Background(), "1", "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Deliver() error = %v, want ErrNotConfigured", err)
	}
}

type fakeCreator struct {
	delay time.Duration
	err   error
	got   *openapi.CreateMessageParams
}

func (f *fakeCreator) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.got = params
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioDeliver(t *testing.T) {
	fake := &fakeCreator{}
	n := &TwilioNotifier{api: fake, from: "+15005550006", configured: true, logger: quietLogger()}

	receipt, err := n.Deliver(context.Background(), "447700900000", "code 123456")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if receipt.MessageID != "SM123" || receipt.Provider != ProviderTwilio {
		t.Errorf("receipt = %+v", receipt)
	}
	if fake.got.To == nil || *fake.got.To != "+447700900000" {
		t.Errorf("To = %v, want +447700900000", fake.got.To)
	}
	if fake.got.From == nil || *fake.got.From != "+15005550006" {
		t.Errorf("From = %v", fake.got.From)
	}
}

func TestTwilioDeliverRestError(t *testing.T) {
	fake := &fakeCreator{err: &twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "The 'To' number is not a valid phone number."}}
	n := &TwilioNotifier{api: fake, from: "+15005550006", configured: true, logger: quietLogger()}

	_, err := n.Deliver(context.Background(), "1", "x")

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Deliver() error = %v, want *DeliveryError", err)
	}
	if de.StatusCode != 400 || de.Retryable {
		t.Errorf("DeliveryError = %+v", de)
	}
}

func TestTwilioDeliverHonoursDeadline(t *testing.T) {
	fake := &fakeCreator{delay: 200 * time.Millisecond}
	n := &TwilioNotifier{api: fake, from: "+15005550006", configured: true, logger: quietLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := n.Deliver(ctx, "1", "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Deliver() error = %v, want deadline exceeded", err)
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(quietLogger())

	receipt, err := n.Deliver(context.Background(), "15550100", "hello")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !n.Configured() || receipt.MessageID == "" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{config.NotifierWhatsApp, "*notifier.WhatsAppNotifier"},
		{config.NotifierTwilio, "*notifier.TwilioNotifier"},
		{config.NotifierLog, "*notifier.LogNotifier"},
	}

	for _, tt := range tests {
		n, err := New(config.NotifierConfig{Provider: tt.provider}, quietLogger())
		if err != nil {
			t.Fatalf("New(%s) error = %v", tt.provider, err)
		}
		if got := typeName(n); got != tt.want {
			t.Errorf("New(%s) = %s, want %s", tt.provider, got, tt.want)
		}
	}

	if _, err := New(config.NotifierConfig{Provider: "fax"}, quietLogger()); err == nil {
		t.Error("New(fax) expected error")
	}
}

func typeName(n Notifier) string {
	switch n.(type) {
	case *WhatsAppNotifier:
		return "*notifier.WhatsAppNotifier"
	case *TwilioNotifier:
		return "*notifier.TwilioNotifier"
	case *LogNotifier:
		return "*notifier.LogNotifier"
	}
	return "unknown"
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("15550100"); got != "****0100" {
		t.Errorf("MaskPhone() = %q", got)
	}
	if got := MaskPhone("123"); got != "123" {
		t.Errorf("MaskPhone(short) = %q", got)
	}
}
