package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/otpbroker/internal/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the HTTP surface. authMW is nil when verification tokens
// are disabled, which leaves /otp/verified/me unregistered. limiter guards
// the routes that trigger a delivery.
func NewRouter(h *OTPHandlers, authMW *middleware.AuthMiddleware, limiter *middleware.RateLimiter, allowedOrigins []string, logger *logrus.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	otp := router.PathPrefix("/otp").Subrouter()

	otp.Handle("/send", limiter.Middleware(http.HandlerFunc(h.SendOTP))).Methods("POST")
	otp.Handle("/resend", limiter.Middleware(http.HandlerFunc(h.ResendOTP))).Methods("POST")
	otp.HandleFunc("/verify", h.VerifyOTP).Methods("POST")
	otp.HandleFunc("/status/{sessionId}", h.SessionStatus).Methods("GET")

	if authMW != nil {
		otp.Handle("/verified/me", authMW.RequireVerification(http.HandlerFunc(h.VerifiedPhone))).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	return c.Handler(router)
}
