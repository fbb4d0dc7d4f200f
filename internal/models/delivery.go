package models

import "time"

// DeliveryReceipt is what a notifier reports after the vendor accepted a message.
type DeliveryReceipt struct {
	Provider    string    `json:"provider"`
	MessageID   string    `json:"message_id"`
	Destination string    `json:"destination"`
	AcceptedAt  time.Time `json:"accepted_at"`
}
