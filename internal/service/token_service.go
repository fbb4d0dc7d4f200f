package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/otpbroker/internal/clock"
	"github.com/qcom/otpbroker/internal/config"
	"github.com/sirupsen/logrus"
)

const verificationTokenType = "otp_verification"

// TokenService signs short-lived tokens proving that a phone number passed
// OTP verification, so downstream services need not call the broker.
type TokenService struct {
	secretKey []byte
	expiry    time.Duration
	clock     clock.Clocker
	logger    *logrus.Logger
}

func NewTokenService(cfg *config.JWTConfig, logger *logrus.Logger) (*TokenService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &TokenService{
		secretKey: secretKey,
		expiry:    cfg.Expiry,
		clock:     clock.New(),
		logger:    logger,
	}, nil
}

type Claims struct {
	Phone     string `json:"phone"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

func (s *TokenService) Issue(result *VerifyResult) (string, int64, error) {
	now := s.clock.Now()

	claims := &Claims{
		Phone:     result.PhoneNumber,
		SessionID: result.SessionID,
		Type:      verificationTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   result.PhoneNumber,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign verification token")
		return "", 0, fmt.Errorf("failed to sign verification token: %w", err)
	}

	return signed, int64(s.expiry.Seconds()), nil
}

func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.Type != verificationTokenType {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}

	return claims, nil
}
