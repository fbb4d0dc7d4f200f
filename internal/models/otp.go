package models

import "time"

// OTPSession is one outstanding verification challenge. The plaintext code is
// never stored, only its bcrypt hash.
type OTPSession struct {
	SessionID         string     `json:"session_id" dynamodbav:"session_id"`
	PhoneNumber       string     `json:"phone_number" dynamodbav:"phone_number"`
	CodeHash          string     `json:"code_hash" dynamodbav:"code_hash"`
	AttemptsRemaining int        `json:"attempts_remaining" dynamodbav:"attempts_remaining"`
	Verified          bool       `json:"verified" dynamodbav:"verified"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty" dynamodbav:"verified_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at" dynamodbav:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" dynamodbav:"expires_at"`
}

func (s *OTPSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionStatus is the read-only view returned by the status endpoint.
// Verified and Expired are omitted when the session does not exist.
type SessionStatus struct {
	Exists   bool  `json:"exists"`
	Verified *bool `json:"verified,omitempty"`
	Expired  *bool `json:"expired,omitempty"`
}
