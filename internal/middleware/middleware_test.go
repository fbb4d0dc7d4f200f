package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qcom/otpbroker/internal/config"
	"github.com/qcom/otpbroker/internal/service"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterPerClient(t *testing.T) {
	h := NewRateLimiter(1, 2, nil).Middleware(okHandler)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/otp/send", nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
	if code := send("10.0.0.2"); code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatalf("request %d was limited with limiting disabled", i)
		}
	}
}

func TestClientIP(t *testing.T) {
	ips, err := NewIPResolver([]string{"10.0.0.0/8", "192.0.2.50"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "198.51.100.9:1234", "198.51.100.9"},
		{"untrusted peer forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "198.51.100.9:1", "198.51.100.9"},
		{"untrusted peer real ip", map[string]string{"X-Real-IP": "203.0.113.7"}, "198.51.100.9:1", "198.51.100.9"},
		{"untrusted peer true client ip", map[string]string{"True-Client-IP": "203.0.113.7"}, "198.51.100.9:1", "198.51.100.9"},
		{"trusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:1", "198.51.100.2"},
		{"trusted single address", map[string]string{"X-Real-IP": "198.51.100.2"}, "192.0.2.50:1", "198.51.100.2"},
		{"trusted peer forwarded chain", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.7, 10.0.0.2"}, "10.0.0.1:1", "203.0.113.7"},
		{"trusted peer garbage header", map[string]string{"X-Real-IP": "not-an-ip"}, "10.0.0.9:80", "10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ips.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPWithoutResolver(t *testing.T) {
	var ips *IPResolver
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	if got := ips.ClientIP(req); got != "198.51.100.9" {
		t.Errorf("ClientIP() = %q, want peer address", got)
	}
}

func TestNewIPResolverRejectsGarbage(t *testing.T) {
	if _, err := NewIPResolver([]string{"10.0.0.0/8", "lb.internal"}); err == nil {
		t.Fatal("NewIPResolver() accepted a hostname")
	}
}

func TestRateLimiterIgnoresSpoofedHeaders(t *testing.T) {
	h := NewRateLimiter(1, 1, nil).Middleware(okHandler)

	accepted := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/otp/send", nil)
		req.RemoteAddr = "198.51.100.9:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			accepted++
		}
	}

	if accepted != 1 {
		t.Errorf("accepted %d requests with rotating X-Forwarded-For, want 1", accepted)
	}
}

func TestRequireVerification(t *testing.T) {
	tokens, err := service.NewTokenService(&config.JWTConfig{
		SecretKey: "0123456789abcdef0123456789abcdef",
		Expiry:    time.Minute,
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := tokens.Issue(&service.VerifyResult{SessionID: "s-1", PhoneNumber: "15550100"})
	if err != nil {
		t.Fatal(err)
	}

	var gotPhone string
	h := NewAuthMiddleware(tokens, quietLogger()).RequireVerification(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if ok {
			gotPhone = claims.Phone
		}
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/otp/verified/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if gotPhone != "15550100" {
		t.Errorf("claims phone = %q, want 15550100", gotPhone)
	}
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	h := LoggingMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}
