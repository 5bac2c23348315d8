package models

import "time"

// VerificationStatus is the vendor-reported state of an identity
// verification session.
type VerificationStatus string

const (
	VerificationStatusPending  VerificationStatus = "PENDING"
	VerificationStatusApproved VerificationStatus = "APPROVED"
	VerificationStatusDeclined VerificationStatus = "DECLINED"
	VerificationStatusExpired  VerificationStatus = "EXPIRED"
)

// IdentityVerification mirrors the latest state the verification vendor
// reported for a session. Webhook re-delivery upserts the same row, so
// applying an event twice is harmless.
type IdentityVerification struct {
	SessionID       string             `json:"session_id"`
	UserID          string             `json:"user_id"`
	Status          VerificationStatus `json:"status"`
	EventType       string             `json:"event_type"`
	VendorTimestamp time.Time          `json:"vendor_timestamp"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
