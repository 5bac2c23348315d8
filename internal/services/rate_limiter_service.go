package services

import (
	"context"
	"fmt"
	"time"

	"github.com/populist/attestation-service/internal/repositories"
	"github.com/populist/attestation-service/internal/utils"
)

// Limits for the anonymous attestation endpoints. Registration is rarer
// and more expensive than assertion, so it gets the tighter per-IP cap.
const (
	rateLimitWindow = time.Hour

	globalAttestationLimitPerHour = 100000
	registerLimitPerIPPerHour     = 30
	secretLimitPerIPPerHour       = 600
)

// RateLimiterService provides a high-level interface for checking various rate limits.
type RateLimiterService interface {
	CheckRegisterRateLimits(ctx context.Context, ip string) error
	CheckSecretRateLimits(ctx context.Context, ip string) error
}

type rateLimiterService struct {
	repo repositories.RateLimitRepository
}

func NewRateLimiterService(repo repositories.RateLimitRepository) RateLimiterService {
	return &rateLimiterService{repo: repo}
}

// CheckRegisterRateLimits checks global and per-IP limits for registration requests.
func (s *rateLimiterService) CheckRegisterRateLimits(ctx context.Context, ip string) error {
	// 1. Global limit
	globalKey := "attestation:global"
	allowed, err := s.repo.IncrementAndCheck(ctx, globalKey, globalAttestationLimitPerHour, rateLimitWindow)
	if err != nil {
		return err
	}
	if !allowed {
		utils.Logger.Warnf("Global attestation rate limit exceeded (key: %s)", globalKey)
		return utils.ErrRateLimitExceeded
	}

	// 2. Per-IP limit
	ipKey := fmt.Sprintf("attestation:register:ip:%s", ip)
	allowed, err = s.repo.IncrementAndCheck(ctx, ipKey, registerLimitPerIPPerHour, rateLimitWindow)
	if err != nil {
		return err
	}
	if !allowed {
		utils.Logger.Warnf("Per-IP registration rate limit exceeded (key: %s)", ipKey)
		return utils.ErrRateLimitExceeded
	}

	return nil
}

// CheckSecretRateLimits checks global and per-IP limits for secret issuance requests.
func (s *rateLimiterService) CheckSecretRateLimits(ctx context.Context, ip string) error {
	// 1. Global limit
	globalKey := "attestation:global"
	allowed, err := s.repo.IncrementAndCheck(ctx, globalKey, globalAttestationLimitPerHour, rateLimitWindow)
	if err != nil {
		return err
	}
	if !allowed {
		utils.Logger.Warnf("Global attestation rate limit exceeded (key: %s)", globalKey)
		return utils.ErrRateLimitExceeded
	}

	// 2. Per-IP limit
	ipKey := fmt.Sprintf("attestation:secret:ip:%s", ip)
	allowed, err = s.repo.IncrementAndCheck(ctx, ipKey, secretLimitPerIPPerHour, rateLimitWindow)
	if err != nil {
		return err
	}
	if !allowed {
		utils.Logger.Warnf("Per-IP secret rate limit exceeded (key: %s)", ipKey)
		return utils.ErrRateLimitExceeded
	}

	return nil
}
