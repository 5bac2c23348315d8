package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/populist/attestation-service/internal/models"
)

// In-memory repository fakes. They mirror the guarantees the SQL
// repositories make: Create is an upsert that never touches the counter
// or revocation state, UpdateCounterIfPrior is a guarded compare-and-set,
// and MarkProcessed inserts at most once per event id.

type fakeCredRepo struct {
	mu    sync.Mutex
	creds map[string]*models.DeviceCredential

	lastListLimit  int
	lastListOffset int
}

func newFakeCredRepo() *fakeCredRepo {
	return &fakeCredRepo{creds: make(map[string]*models.DeviceCredential)}
}

func (f *fakeCredRepo) Create(_ context.Context, cred *models.DeviceCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if existing, ok := f.creds[cred.KeyID]; ok {
		existing.Platform = cred.Platform
		existing.PublicKeyMaterial = cred.PublicKeyMaterial
		existing.IPAddress = cred.IPAddress
		existing.LastSeen = &now
		return nil
	}

	cp := *cred
	cp.CreatedAt = now
	cp.LastSeen = &now
	f.creds[cred.KeyID] = &cp
	return nil
}

func (f *fakeCredRepo) GetByKeyID(_ context.Context, keyID string) (*models.DeviceCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[keyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCredRepo) List(_ context.Context, revoked *bool, limit, offset int) ([]*models.DeviceCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastListLimit = limit
	f.lastListOffset = offset

	var out []*models.DeviceCredential
	for _, c := range f.creds {
		if revoked != nil && c.Revoked != *revoked {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCredRepo) UpdateCounterIfPrior(_ context.Context, keyID string, prior, next uint32, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[keyID]
	if !ok || c.Revoked || c.Counter != prior {
		return false, nil
	}
	c.Counter = next
	now := time.Now()
	c.LastSeen = &now
	if ip != "" {
		c.IPAddress = &ip
	}
	return true, nil
}

func (f *fakeCredRepo) SaveSealedSecret(_ context.Context, keyID, service string, sealed, nonce, authTag []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[keyID]
	if !ok || c.Revoked {
		return false, nil
	}
	now := time.Now()
	c.Service = &service
	c.SealedSecret = sealed
	c.SealNonce = nonce
	c.SealAuthTag = authTag
	c.SecretIssuedAt = &now
	c.RequestCount++
	c.LastSeen = &now
	return true, nil
}

func (f *fakeCredRepo) TouchSecretUse(_ context.Context, keyID, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[keyID]
	if !ok {
		return nil
	}
	now := time.Now()
	c.RequestCount++
	c.LastSeen = &now
	if ip != "" {
		c.IPAddress = &ip
	}
	return nil
}

func (f *fakeCredRepo) SetRevoked(_ context.Context, keyID, reason, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[keyID]
	if !ok {
		return nil
	}
	now := time.Now()
	c.Revoked = true
	if reason != "" {
		c.RevokedReason = &reason
	}
	c.RevokedBy = &by
	c.RevokedAt = &now
	return nil
}

type fakeLedgerRepo struct {
	mu     sync.Mutex
	events map[string]*models.ProcessedWebhookEvent

	markErr error
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{events: make(map[string]*models.ProcessedWebhookEvent)}
}

func (f *fakeLedgerRepo) Exists(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.events[eventID]
	return ok, nil
}

func (f *fakeLedgerRepo) MarkProcessed(_ context.Context, ev *models.ProcessedWebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return false, f.markErr
	}
	if _, ok := f.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	cp.ProcessedAt = time.Now()
	f.events[ev.EventID] = &cp
	return true, nil
}

type fakeVerifRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.IdentityVerification

	upsertCalls int
	upsertErr   error
}

func newFakeVerifRepo() *fakeVerifRepo {
	return &fakeVerifRepo{sessions: make(map[string]*models.IdentityVerification)}
}

func (f *fakeVerifRepo) UpsertStatus(_ context.Context, v *models.IdentityVerification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	cp := *v
	cp.UpdatedAt = time.Now()
	f.sessions[v.SessionID] = &cp
	return nil
}

func (f *fakeVerifRepo) GetBySessionID(_ context.Context, sessionID string) (*models.IdentityVerification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []*models.AdminAuditLog

	createErr error
}

func newFakeAuditRepo() *fakeAuditRepo { return &fakeAuditRepo{} }

func (f *fakeAuditRepo) Create(_ context.Context, logEntry *models.AdminAuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	cp := *logEntry
	f.entries = append(f.entries, &cp)
	return nil
}

type fakeRateLimitRepo struct {
	mu      sync.Mutex
	counts  map[string]int
	cleaned bool
}

func newFakeRateLimitRepo() *fakeRateLimitRepo {
	return &fakeRateLimitRepo{counts: make(map[string]int)}
}

func (f *fakeRateLimitRepo) IncrementAndCheck(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counts[key]++
	return f.counts[key] <= limit, nil
}

func (f *fakeRateLimitRepo) CleanupExpired(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}
