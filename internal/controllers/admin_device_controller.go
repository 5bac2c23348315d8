package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/populist/attestation-service/internal/dtos"
	"github.com/populist/attestation-service/internal/services"
	"github.com/populist/attestation-service/internal/utils"
)

// AdminDeviceController sits behind the admin JWT middleware. Unlike the
// public surface it answers with specific error reasons.
type AdminDeviceController struct {
	adminService *services.AdminDeviceService
}

func NewAdminDeviceController(adminService *services.AdminDeviceService) *AdminDeviceController {
	return &AdminDeviceController{adminService: adminService}
}

func (c *AdminDeviceController) getAdminSubject(r *http.Request) (string, error) {
	sub := r.Context().Value(utils.CtxKeyAdminSubject)
	if sub == nil {
		return "", &utils.AppError{
			StatusCode: http.StatusUnauthorized,
			Code:       utils.ErrCodeUnauthorized,
			Message:    "Missing admin subject in context",
		}
	}
	return sub.(string), nil
}

// GET /api/v1/attestation/admin/devices?revoked=&limit=&offset=
func (c *AdminDeviceController) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := c.getAdminSubject(r); err != nil {
		utils.HandleAppError(w, err)
		return
	}

	q := r.URL.Query()

	var revoked *bool
	if raw := q.Get("revoked"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid revoked filter", nil, err)
			return
		}
		revoked = &b
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	devices, err := c.adminService.ListDevices(r.Context(), revoked, limit, offset)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.AdminListDevicesResponse{
		Devices: devices,
		Count:   len(devices),
	})
}

// POST /api/v1/attestation/admin/devices/revoke
func (c *AdminDeviceController) RevokeDeviceHandler(w http.ResponseWriter, r *http.Request) {
	adminSubject, err := c.getAdminSubject(r)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	var req dtos.RevokeDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}

	if err := c.adminService.RevokeDevice(r.Context(), adminSubject, req.DeviceID, req.Reason); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			utils.RespondErrorWithCode(w, http.StatusNotFound, utils.ErrCodeNotFound, "Device not found", nil, err)
			return
		}
		utils.HandleAppError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.RevokeDeviceResponse{
		DeviceID: utils.SanitizeStorageKey(req.DeviceID),
		Revoked:  true,
	})
}
