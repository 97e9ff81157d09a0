package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/pkg/crypto"
)

type mockRepository struct {
	mu    sync.Mutex
	keys  map[string]*entities.AutomationKey
	creds map[string]*entities.DelegatedCredential
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		keys:  make(map[string]*entities.AutomationKey),
		creds: make(map[string]*entities.DelegatedCredential),
	}
}

func (m *mockRepository) SaveKey(ctx context.Context, key *entities.AutomationKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.Identity] = &cp
	return nil
}

func (m *mockRepository) GetKey(ctx context.Context, identity string) (*entities.AutomationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[identity]
	if !ok {
		return nil, errors.NotFoundError("AUTOMATION_KEY")
	}
	cp := *key
	return &cp, nil
}

func (m *mockRepository) CreateCredential(ctx context.Context, cred *entities.DelegatedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.AutomationIdentity] = cred.Clone()
	return nil
}

func (m *mockRepository) GetCredential(ctx context.Context, identity string) (*entities.DelegatedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[identity]
	if !ok {
		return nil, errors.NotFoundError("CREDENTIAL")
	}
	return cred.Clone(), nil
}

func (m *mockRepository) UpdateCredentialStatus(ctx context.Context, id uuid.UUID, status entities.CredentialStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.creds {
		if cred.ID == id {
			cred.Status = status
			cred.RevokedAt = &at
			return nil
		}
	}
	return errors.NotFoundError("CREDENTIAL")
}

const (
	owner  = "0x1111111111111111111111111111111111111111"
	sell   = "0x3333333333333333333333333333333333333333"
	router = "0x5555555555555555555555555555555555555555"
)

func newTestIssuer(t *testing.T, now time.Time) (*Issuer, *mockRepository) {
	t.Helper()
	cipher, err := crypto.NewCipher("test-master-key")
	require.NoError(t, err)
	repo := newMockRepository()
	issuer := NewIssuer(repo, cipher, "credential-secret", zap.NewNop())
	issuer.now = func() time.Time { return now }
	return issuer, repo
}

func testRequest(identity string, now time.Time) IssueRequest {
	until := now.Add(48 * time.Hour)
	return IssueRequest{
		OwnerIdentity:      owner,
		AutomationIdentity: identity,
		OrderID:            uuid.New(),
		Capabilities: []entities.Capability{
			{Target: sell, AllowedOperations: []entities.Operation{entities.OperationApprove, entities.OperationTransfer}, ValueLimit: 1000, ValidFrom: now, ValidUntil: until},
			{Target: router, AllowedOperations: []entities.Operation{entities.OperationSwap}, ValueLimit: 1000, ValidFrom: now, ValidUntil: until},
		},
		ValidFrom:  now,
		ValidUntil: until,
		MaxValue:   1000,
		NotAfter:   until,
	}
}

func TestIssuer_IssueAndAuthorize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, now)

	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, key.EncryptedPrivateKey)

	cred, err := issuer.Issue(ctx, testRequest(key.Identity, now))
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusActive, cred.Status)
	assert.NotEmpty(t, cred.Token)

	actions := []entities.Action{
		{Operation: entities.OperationApprove, Target: sell, Value: 500},
		{Operation: entities.OperationSwap, Target: router, Value: 500},
	}
	assert.NoError(t, issuer.Authorize(ctx, key.Identity, actions, 500, now.Add(time.Hour)))

	err = issuer.Authorize(ctx, key.Identity, actions, 600, now.Add(time.Hour))
	assert.True(t, errors.IsForbidden(err))

	err = issuer.Authorize(ctx, key.Identity, []entities.Action{
		{Operation: entities.OperationSwap, Target: "0x9999999999999999999999999999999999999999", Value: 1},
	}, 0, now.Add(time.Hour))
	assert.True(t, errors.IsForbidden(err))
}

func TestIssuer_IssueValidation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, now)
	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*IssueRequest)
	}{
		{"empty capabilities", func(r *IssueRequest) { r.Capabilities = nil }},
		{"empty target", func(r *IssueRequest) { r.Capabilities[0].Target = "" }},
		{"unknown operation", func(r *IssueRequest) { r.Capabilities[0].AllowedOperations = []entities.Operation{"mint"} }},
		{"zero value", func(r *IssueRequest) { r.Capabilities[0].ValueLimit = 0 }},
		{"value above order total", func(r *IssueRequest) { r.Capabilities[1].ValueLimit = 1001 }},
		{"inverted window", func(r *IssueRequest) { r.Capabilities[0].ValidUntil = now.Add(-time.Hour) }},
		{"outlives order", func(r *IssueRequest) { r.Capabilities[0].ValidUntil = r.NotAfter.Add(time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest(key.Identity, now)
			tc.mutate(&req)
			_, err := issuer.Issue(ctx, req)
			assert.ErrorIs(t, err, errors.ErrInvalidCapability)
		})
	}
}

func TestIssuer_IssueRejectsForeignOwnerAndDuplicates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, now)
	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)

	req := testRequest(key.Identity, now)
	req.OwnerIdentity = "0x7777777777777777777777777777777777777777"
	_, err = issuer.Issue(ctx, req)
	assert.True(t, errors.IsForbidden(err))

	_, err = issuer.Issue(ctx, testRequest(key.Identity, now))
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, testRequest(key.Identity, now))
	assert.True(t, errors.IsConflict(err))
}

func TestIssuer_RevokeAndVoid(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, now)
	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, testRequest(key.Identity, now))
	require.NoError(t, err)

	_, err = issuer.Revoke(ctx, key.Identity, "0x7777777777777777777777777777777777777777")
	assert.True(t, errors.IsForbidden(err))

	cred, err := issuer.Revoke(ctx, key.Identity, owner)
	require.NoError(t, err)
	assert.Equal(t, entities.CredentialStatusRevoked, cred.Status)

	err = issuer.Authorize(ctx, key.Identity, []entities.Action{
		{Operation: entities.OperationApprove, Target: sell, Value: 1},
	}, 0, now)
	assert.True(t, errors.IsForbidden(err))

	assert.NoError(t, issuer.Void(ctx, key.Identity))
	assert.NoError(t, issuer.Void(ctx, "0x8888888888888888888888888888888888888888"))
}

func TestIssuer_TamperedCapabilitiesAreIgnored(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, repo := newTestIssuer(t, now)
	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, testRequest(key.Identity, now))
	require.NoError(t, err)

	repo.mu.Lock()
	repo.creds[key.Identity].Capabilities[1].ValueLimit = 1_000_000
	repo.mu.Unlock()

	err = issuer.Authorize(ctx, key.Identity, []entities.Action{
		{Operation: entities.OperationSwap, Target: router, Value: 5000},
	}, 0, now)
	assert.True(t, errors.IsForbidden(err))
}

func TestIssuer_SignCall(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	issuer, _ := newTestIssuer(t, now)
	key, err := issuer.NewAutomationIdentity(ctx, owner)
	require.NoError(t, err)
	cred, err := issuer.Issue(ctx, testRequest(key.Identity, now))
	require.NoError(t, err)

	call := entities.SettlementCall{
		Operation: entities.OperationSwap,
		From:      key.Identity,
		Target:    router,
		Asset:     sell,
		Amount:    500,
	}
	signed, err := issuer.SignCall(ctx, key.Identity, call)
	require.NoError(t, err)
	assert.Equal(t, cred.Token, signed.CredentialToken)
	assert.NoError(t, VerifySignedCall(signed))

	signed.Call.Amount = 501
	assert.Error(t, VerifySignedCall(signed))

	call.From = owner
	_, err = issuer.SignCall(ctx, key.Identity, call)
	assert.True(t, errors.IsForbidden(err))
}
