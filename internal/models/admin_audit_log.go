package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditRevokeDevice AuditAction = "REVOKE_DEVICE"
	AuditListDevices  AuditAction = "LIST_DEVICES"
)

type AuditTargetType string

const (
	TargetDeviceCredential AuditTargetType = "DEVICE_CREDENTIAL"
)

type AdminAuditLog struct {
	ID           uuid.UUID        `json:"id"`
	AdminSubject string           `json:"admin_subject"`
	Action       AuditAction      `json:"action"`
	TargetID     string           `json:"target_id"`
	TargetType   AuditTargetType  `json:"target_type"`
	Details      *json.RawMessage `json:"details,omitempty"` // JSONB field for reason and context
	CreatedAt    time.Time        `json:"created_at"`
}
