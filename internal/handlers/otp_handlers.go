package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/qcom/otpbroker/internal/middleware"
	"github.com/qcom/otpbroker/internal/service"
	"github.com/sirupsen/logrus"
)

type OTPHandlers struct {
	broker *service.Broker
	tokens *service.TokenService
	logger *logrus.Logger
}

// NewOTPHandlers wires the OTP routes. tokens may be nil, in which case
// verify responses carry no verification token.
func NewOTPHandlers(broker *service.Broker, tokens *service.TokenService, logger *logrus.Logger) *OTPHandlers {
	return &OTPHandlers{
		broker: broker,
		tokens: tokens,
		logger: logger,
	}
}

type SendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type SendOTPResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type VerifyOTPRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

type VerifyOTPResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	VerificationToken string `json:"verificationToken,omitempty"`
	TokenType         string `json:"tokenType,omitempty"`
	ExpiresIn         int64  `json:"expiresIn,omitempty"`
}

type ResendOTPRequest struct {
	SessionID string `json:"sessionId"`
}

type VerifiedPhoneResponse struct {
	PhoneNumber string `json:"phoneNumber"`
	SessionID   string `json:"sessionId"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (h *OTPHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if strings.TrimSpace(req.PhoneNumber) == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "phoneNumber is required")
		return
	}

	result, err := h.broker.SendOTP(r.Context(), req.PhoneNumber)
	if err != nil {
		h.respondWithBrokerError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{
		Success:   true,
		Message:   "OTP sent successfully",
		SessionID: result.SessionID,
		ExpiresAt: result.ExpiresAt,
	})
}

func (h *OTPHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	code := strings.TrimSpace(req.Code)
	if sessionID == "" || code == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId and code are required")
		return
	}

	result, err := h.broker.VerifyOTP(r.Context(), sessionID, code)
	if err != nil {
		h.respondWithBrokerError(w, err)
		return
	}

	resp := VerifyOTPResponse{
		Success: true,
		Message: "OTP verified successfully",
	}

	// Issue verification token if enabled
	if h.tokens != nil {
		token, expiresIn, err := h.tokens.Issue(result)
		if err != nil {
			// The session is already verified; the token is a convenience.
			h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to issue verification token")
		} else {
			resp.VerificationToken = token
			resp.TokenType = "Bearer"
			resp.ExpiresIn = expiresIn
		}
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *OTPHandlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}

	result, err := h.broker.ResendOTP(r.Context(), sessionID)
	if err != nil {
		h.respondWithBrokerError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{
		Success:   true,
		Message:   "OTP resent successfully",
		SessionID: result.SessionID,
		ExpiresAt: result.ExpiresAt,
	})
}

func (h *OTPHandlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	status, err := h.broker.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		h.respondWithBrokerError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, status)
}

func (h *OTPHandlers) VerifiedPhone(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifiedPhoneResponse{
		PhoneNumber: claims.Phone,
		SessionID:   claims.SessionID,
	})
}

func (h *OTPHandlers) respondWithBrokerError(w http.ResponseWriter, err error) {
	var otpErr *service.OTPError
	if errors.As(err, &otpErr) {
		if otpErr.Err != nil {
			h.logger.WithError(otpErr.Err).WithField("kind", otpErr.Kind.String()).Warn("OTP request failed")
		}
		h.respondWithError(w, otpErr.Kind.StatusCode(), otpErr.Kind.String(), otpErr.Message)
		return
	}

	h.logger.WithError(err).Error("OTP request failed")
	h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

func (h *OTPHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *OTPHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Success: false,
		Message: message,
		Error:   code,
	})
}
