package dtos

import "github.com/populist/attestation-service/internal/models"

type AdminListDevicesResponse struct {
	Devices []*models.DeviceCredential `json:"devices"`
	Count   int                        `json:"count"`
}

type RevokeDeviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=256"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,max=512"`
}

type RevokeDeviceResponse struct {
	DeviceID string `json:"device_id"`
	Revoked  bool   `json:"revoked"`
}
