package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/otpbroker/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisSessionPrefix = "otp:session:"

// RedisSessionStore shares sessions between broker instances. Keys outlive
// ExpiresAt by the retention window so a late verify can still report the
// session as expired; Sweep removes them earlier.
type RedisSessionStore struct {
	client    redis.Cmdable
	retention time.Duration
	logger    *logrus.Logger
}

func NewRedisSessionStore(client redis.Cmdable, retention time.Duration, logger *logrus.Logger) *RedisSessionStore {
	return &RedisSessionStore{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

func sessionKey(id string) string {
	return redisSessionPrefix + id
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*models.OTPSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get OTP session from Redis")
		return nil, fmt.Errorf("failed to get otp session: %w", err)
	}

	var session models.OTPSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp session: %w", err)
	}

	return &session, nil
}

// Put writes the session with a TTL covering its lifetime plus retention.
func (s *RedisSessionStore) Put(ctx context.Context, session models.OTPSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal otp session: %w", err)
	}

	ttl := session.ExpiresAt.Sub(session.CreatedAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}

	if err := s.client.Set(ctx, sessionKey(session.SessionID), data, ttl).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store OTP session in Redis")
		return fmt.Errorf("failed to store otp session: %w", err)
	}

	return nil
}

// Update overwrites an existing key and keeps its remaining TTL.
func (s *RedisSessionStore) Update(ctx context.Context, session models.OTPSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal otp session: %w", err)
	}

	updated, err := s.client.SetXX(ctx, sessionKey(session.SessionID), data, redis.KeepTTL).Result()
	if err != nil {
		s.logger.WithError(err).Error("Failed to update OTP session in Redis")
		return fmt.Errorf("failed to update otp session: %w", err)
	}
	if !updated {
		return ErrSessionNotFound
	}

	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete otp session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	iter := s.client.Scan(ctx, 0, redisSessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to read otp session during sweep: %w", err)
		}

		var session models.OTPSession
		if err := json.Unmarshal(data, &session); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Dropping unreadable OTP session")
		} else if !session.ExpiresAt.Before(now) {
			continue
		}

		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete otp session during sweep: %w", err)
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan otp sessions: %w", err)
	}

	return removed, nil
}
