package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/populist/attestation-service/internal/utils"
)

func TestCheckRegisterRateLimitsPerIP(t *testing.T) {
	repo := newFakeRateLimitRepo()
	svc := NewRateLimiterService(repo)

	for i := 0; i < 30; i++ {
		require.NoError(t, svc.CheckRegisterRateLimits(context.Background(), "203.0.113.7"))
	}
	err := svc.CheckRegisterRateLimits(context.Background(), "203.0.113.7")
	require.ErrorIs(t, err, utils.ErrRateLimitExceeded)

	// A different IP is unaffected.
	require.NoError(t, svc.CheckRegisterRateLimits(context.Background(), "203.0.113.8"))

	require.Equal(t, 31, repo.counts["attestation:register:ip:203.0.113.7"])
	require.Equal(t, 1, repo.counts["attestation:register:ip:203.0.113.8"])
}

func TestCheckSecretRateLimitsKeyIsolation(t *testing.T) {
	repo := newFakeRateLimitRepo()
	svc := NewRateLimiterService(repo)

	require.NoError(t, svc.CheckSecretRateLimits(context.Background(), "203.0.113.7"))
	require.NoError(t, svc.CheckRegisterRateLimits(context.Background(), "203.0.113.7"))

	// Registration and issuance count against separate per-IP keys but
	// share the global key.
	require.Equal(t, 1, repo.counts["attestation:secret:ip:203.0.113.7"])
	require.Equal(t, 1, repo.counts["attestation:register:ip:203.0.113.7"])
	require.Equal(t, 2, repo.counts["attestation:global"])
}

func TestCleanupDaily(t *testing.T) {
	repo := newFakeRateLimitRepo()
	svc := NewRateLimitCleanupService(repo)

	require.NoError(t, svc.CleanupDaily(context.Background()))
	require.True(t, repo.cleaned)
}
