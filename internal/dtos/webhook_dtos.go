package dtos

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// VerificationWebhookEvent is the body the identity-verification vendor
// posts. It carries no event id; the dedupe identity is derived from
// session id, type and created_at.
type VerificationWebhookEvent struct {
	Type      string `json:"type" validate:"required,max=64"`
	SessionID string `json:"session_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	Status    string `json:"status" validate:"required,max=32"`
	CreatedAt int64  `json:"created_at" validate:"required,gt=0"`
}

func (e *VerificationWebhookEvent) Validate() error { return validate.Struct(e) }
