package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/qcom/otpbroker/internal/clock"
	"github.com/qcom/otpbroker/internal/config"
	"github.com/qcom/otpbroker/internal/models"
	"github.com/qcom/otpbroker/internal/notifier"
	"github.com/qcom/otpbroker/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	lockStripes    = 64
	maxPhoneDigits = 15
)

// Broker issues, verifies, resends and expires one-time-passcode sessions.
// Delivery is delegated to a notifier.Notifier. Read-modify-write sequences
// on a session are serialized by a lock stripe chosen from its id; the
// notifier is never called with a stripe held.
type Broker struct {
	store    repository.SessionStore
	notifier notifier.Notifier
	cfg      *config.OTPConfig
	clock    clock.Clocker
	logger   *logrus.Logger
	locks    [lockStripes]sync.Mutex

	sweepMu   sync.Mutex
	lastSwept time.Time
}

type BrokerOption func(*Broker)

func WithClock(c clock.Clocker) BrokerOption {
	return func(b *Broker) {
		b.clock = c
	}
}

func NewBroker(store repository.SessionStore, n notifier.Notifier, cfg *config.OTPConfig, logger *logrus.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		store:    store,
		notifier: n,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type SendResult struct {
	SessionID string
	ExpiresAt time.Time
}

type VerifyResult struct {
	SessionID   string
	PhoneNumber string
	VerifiedAt  time.Time
}

// NormalizePhone strips every character that is not an ASCII digit.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}

func (b *Broker) lockFor(sessionID string) *sync.Mutex {
	return &b.locks[xxhash.Sum64String(sessionID)%lockStripes]
}

// SendOTP creates a session for phoneNumber and delivers its code. When
// delivery fails the session is deleted again, so a caller never holds a
// session id whose code nobody received.
func (b *Broker) SendOTP(ctx context.Context, phoneNumber string) (*SendResult, error) {
	// Normalize phone number to digits only
	phone := NormalizePhone(phoneNumber)
	if phone == "" || len(phone) > maxPhoneDigits {
		return nil, ErrInvalidPhone
	}

	if !b.notifier.Configured() {
		return nil, ErrNotConfigured
	}

	now := b.clock.Now()
	b.lazySweep(ctx, now)

	// Generate and hash the code
	code, err := generateCode(b.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(code), b.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash OTP: %w", err)
	}

	session := models.OTPSession{
		SessionID:         uuid.NewString(),
		PhoneNumber:       phone,
		CodeHash:          string(hashed),
		AttemptsRemaining: b.cfg.MaxAttempts,
		CreatedAt:         now,
		ExpiresAt:         now.Add(b.cfg.Expiry),
	}

	if err := b.store.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store OTP session: %w", err)
	}

	// Deliver with no stripe held
	deliverCtx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	receipt, err := b.notifier.Deliver(deliverCtx, phone, b.message(code))
	cancel()

	if err != nil {
		b.rollback(ctx, session.SessionID)

		b.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"phone":      notifier.MaskPhone(phone),
		}).Error("Failed to deliver OTP")

		if errors.Is(err, notifier.ErrNotConfigured) {
			return nil, ErrNotConfigured
		}
		return nil, deliveryFailure(err)
	}

	b.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"phone":      notifier.MaskPhone(phone),
		"provider":   receipt.Provider,
		"message_id": receipt.MessageID,
	}).Info("OTP sent")

	return &SendResult{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

func (b *Broker) rollback(ctx context.Context, sessionID string) {
	mu := b.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := b.store.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
		b.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to roll back undelivered OTP session")
	}
}

func deliveryFailure(err error) *OTPError {
	msg := ErrDeliveryFailed.Message
	var de *notifier.DeliveryError
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	return &OTPError{Kind: KindDeliveryFailed, Message: msg, Err: err}
}

// VerifyOTP checks code against the session. A session verifies successfully
// once; it stays stored afterwards and rejects further checks.
func (b *Broker) VerifyOTP(ctx context.Context, sessionID, code string) (*VerifyResult, error) {
	mu := b.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := b.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Verified {
		return nil, ErrAlreadyVerified
	}

	now := b.clock.Now()
	if session.IsExpired(now) {
		if err := b.store.Delete(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to delete expired OTP session: %w", err)
		}
		return nil, ErrExpired
	}

	// Verify code
	if err := bcrypt.CompareHashAndPassword([]byte(session.CodeHash), []byte(code)); err != nil {
		if b.cfg.MaxAttempts > 0 {
			if err := b.consumeAttempt(ctx, session); err != nil {
				return nil, err
			}
		}
		return nil, ErrInvalidCode
	}

	session.Verified = true
	session.VerifiedAt = &now
	if err := b.store.Update(ctx, *session); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to mark OTP session verified: %w", err)
	}

	b.logger.WithField("session_id", sessionID).Info("OTP verified")

	return &VerifyResult{
		SessionID:   session.SessionID,
		PhoneNumber: session.PhoneNumber,
		VerifiedAt:  now,
	}, nil
}

// consumeAttempt records a wrong guess and deletes the session once no
// attempts are left.
func (b *Broker) consumeAttempt(ctx context.Context, session *models.OTPSession) error {
	session.AttemptsRemaining--
	if session.AttemptsRemaining > 0 {
		err := b.store.Update(ctx, *session)
		if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("failed to record OTP attempt: %w", err)
		}
		return nil
	}

	if err := b.store.Delete(ctx, session.SessionID); err != nil {
		return fmt.Errorf("failed to delete exhausted OTP session: %w", err)
	}
	b.logger.WithField("session_id", session.SessionID).Warn("OTP session deleted after too many invalid attempts")
	return nil
}

// ResendOTP discards the session unconditionally, even when it is still
// valid, and sends a fresh code to the same phone number.
func (b *Broker) ResendOTP(ctx context.Context, sessionID string) (*SendResult, error) {
	mu := b.lockFor(sessionID)
	mu.Lock()

	session, err := b.getSession(ctx, sessionID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	if err := b.store.Delete(ctx, sessionID); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to delete OTP session: %w", err)
	}
	mu.Unlock()

	b.logger.WithField("session_id", sessionID).Info("OTP session replaced by resend")

	return b.SendOTP(ctx, session.PhoneNumber)
}

// GetSessionStatus reports whether the session exists and, if so, whether it
// is verified and expired. It never modifies the store.
func (b *Broker) GetSessionStatus(ctx context.Context, sessionID string) (models.SessionStatus, error) {
	session, err := b.store.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return models.SessionStatus{Exists: false}, nil
	}
	if err != nil {
		return models.SessionStatus{}, fmt.Errorf("failed to get OTP session: %w", err)
	}

	verified := session.Verified
	expired := session.IsExpired(b.clock.Now())

	return models.SessionStatus{
		Exists:   true,
		Verified: &verified,
		Expired:  &expired,
	}, nil
}

// Sweep removes every expired session from the store.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	now := b.clock.Now()

	b.sweepMu.Lock()
	b.lastSwept = now
	b.sweepMu.Unlock()

	return b.store.Sweep(ctx, now)
}

// lazySweep runs a sweep from the send path at most once per SweepInterval.
// A non-positive interval sweeps on every send.
func (b *Broker) lazySweep(ctx context.Context, now time.Time) {
	b.sweepMu.Lock()
	if !b.lastSwept.IsZero() && now.Sub(b.lastSwept) < b.cfg.SweepInterval {
		b.sweepMu.Unlock()
		return
	}
	b.lastSwept = now
	b.sweepMu.Unlock()

	removed, err := b.store.Sweep(ctx, now)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to clean up expired OTP sessions")
		return
	}
	if removed > 0 {
		b.logger.WithField("removed", removed).Debug("Cleaned up expired OTP sessions")
	}
}

// RunSweeper sweeps every interval until ctx is done.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.Sweep(ctx)
			if err != nil {
				b.logger.WithError(err).Warn("Periodic OTP session sweep failed")
				continue
			}
			if removed > 0 {
				b.logger.WithField("removed", removed).Info("Swept expired OTP sessions")
			}
		}
	}
}

func (b *Broker) getSession(ctx context.Context, sessionID string) (*models.OTPSession, error) {
	session, err := b.store.Get(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get OTP session: %w", err)
	}
	return session, nil
}

func (b *Broker) message(code string) string {
	return fmt.Sprintf(
		"Your verification code is: %s\n\nThis code will expire in %s.\n\nDo not share this code with anyone.",
		code, humanDuration(b.cfg.Expiry),
	)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", d/time.Second)
	default:
		return d.String()
	}
}

// generateCode draws each digit independently and uniformly from crypto/rand.
func generateCode(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + num.Int64()))
	}
	return sb.String(), nil
}
