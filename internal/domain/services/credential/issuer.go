package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
	"github.com/rail-service/dca_service/internal/domain/errors"
	"github.com/rail-service/dca_service/pkg/crypto"
)

const tokenIssuer = "dca_service/credentials"

// Repository persists automation keys and delegated credentials
type Repository interface {
	SaveKey(ctx context.Context, key *entities.AutomationKey) error
	GetKey(ctx context.Context, identity string) (*entities.AutomationKey, error)
	CreateCredential(ctx context.Context, cred *entities.DelegatedCredential) error
	// GetCredential returns the most recently issued credential for identity
	GetCredential(ctx context.Context, identity string) (*entities.DelegatedCredential, error)
	UpdateCredentialStatus(ctx context.Context, id uuid.UUID, status entities.CredentialStatus, at time.Time) error
}

// IssueRequest describes a capability grant for one order
type IssueRequest struct {
	OwnerIdentity      string
	AutomationIdentity string
	OrderID            uuid.UUID
	Capabilities       []entities.Capability
	ValidFrom          time.Time
	ValidUntil         time.Time
	// MaxValue bounds every capability's value limit
	MaxValue int64
	// NotAfter bounds every validity window
	NotAfter time.Time
}

type capabilityClaims struct {
	OrderID      string                `json:"oid"`
	Owner        string                `json:"own"`
	Capabilities []entities.Capability `json:"caps"`
	jwt.RegisteredClaims
}

// Issuer mints automation identities and the capability-scoped credentials they act under
type Issuer struct {
	repo   Repository
	cipher *crypto.Cipher
	secret []byte
	logger *zap.Logger
	now    func() time.Time
}

// NewIssuer creates a credential issuer. tokenSecret signs credential tokens.
func NewIssuer(repo Repository, cipher *crypto.Cipher, tokenSecret string, logger *zap.Logger) *Issuer {
	return &Issuer{
		repo:   repo,
		cipher: cipher,
		secret: []byte(tokenSecret),
		logger: logger,
		now:    time.Now,
	}
}

// NewAutomationIdentity mints a secp256k1 keypair for owner and stores the
// private key encrypted. Only the identity leaves this call.
func (s *Issuer) NewAutomationIdentity(ctx context.Context, owner string) (*entities.AutomationKey, error) {
	if owner == "" {
		return nil, errors.ValidationError("owner_identity", "owner identity is required")
	}

	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate automation key: %w", err)
	}
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()

	encrypted, err := s.cipher.Encrypt(ethcrypto.FromECDSA(priv), identity)
	if err != nil {
		return nil, fmt.Errorf("encrypt automation key: %w", err)
	}

	key := &entities.AutomationKey{
		Identity:            identity,
		OwnerIdentity:       owner,
		EncryptedPrivateKey: encrypted,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.repo.SaveKey(ctx, key); err != nil {
		return nil, fmt.Errorf("save automation key: %w", err)
	}

	s.logger.Info("Minted automation identity",
		zap.String("identity", identity),
		zap.String("owner", owner))

	return &entities.AutomationKey{Identity: key.Identity, OwnerIdentity: key.OwnerIdentity, CreatedAt: key.CreatedAt}, nil
}

// Issue validates the capability set and persists a signed credential for the identity
func (s *Issuer) Issue(ctx context.Context, req IssueRequest) (*entities.DelegatedCredential, error) {
	if err := validateIssueRequest(req); err != nil {
		return nil, err
	}

	key, err := s.repo.GetKey(ctx, req.AutomationIdentity)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundError("AUTOMATION_IDENTITY")
		}
		return nil, fmt.Errorf("get automation key: %w", err)
	}
	if !strings.EqualFold(key.OwnerIdentity, req.OwnerIdentity) {
		return nil, errors.PermissionDeniedError(req.AutomationIdentity, "automation identity belongs to another owner")
	}

	existing, err := s.repo.GetCredential(ctx, req.AutomationIdentity)
	if err != nil && !errors.IsNotFound(err) {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if existing != nil && existing.IsActive() {
		return nil, errors.ConflictError("credential", "automation identity already holds an active credential")
	}

	cred := &entities.DelegatedCredential{
		ID:                 uuid.New(),
		OrderID:            req.OrderID,
		OwnerIdentity:      req.OwnerIdentity,
		AutomationIdentity: key.Identity,
		Capabilities:       req.Capabilities,
		Status:             entities.CredentialStatusActive,
		ValidFrom:          req.ValidFrom,
		ValidUntil:         req.ValidUntil,
		CreatedAt:          s.now().UTC(),
	}

	token, err := s.signToken(cred)
	if err != nil {
		return nil, err
	}
	cred.Token = token

	if err := s.repo.CreateCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	s.logger.Info("Issued delegated credential",
		zap.String("credential_id", cred.ID.String()),
		zap.String("order_id", req.OrderID.String()),
		zap.String("identity", cred.AutomationIdentity),
		zap.Int("capabilities", len(cred.Capabilities)))

	return cred, nil
}

func validateIssueRequest(req IssueRequest) error {
	if req.OwnerIdentity == "" {
		return errors.ValidationError("owner_identity", "owner identity is required")
	}
	if !common.IsHexAddress(req.AutomationIdentity) {
		return errors.ValidationError("automation_identity", "automation identity must be an address")
	}
	if len(req.Capabilities) == 0 {
		return errors.InvalidCapabilityError(-1, "at least one capability is required")
	}
	if !req.ValidUntil.After(req.ValidFrom) {
		return errors.InvalidCapabilityError(-1, "credential window is inverted")
	}
	if !req.NotAfter.IsZero() && req.ValidUntil.After(req.NotAfter) {
		return errors.InvalidCapabilityError(-1, "credential outlives its order")
	}

	for i, c := range req.Capabilities {
		if c.Target == "" {
			return errors.InvalidCapabilityError(i, "target is required")
		}
		if len(c.AllowedOperations) == 0 {
			return errors.InvalidCapabilityError(i, "at least one operation is required")
		}
		for _, op := range c.AllowedOperations {
			if !op.IsValid() {
				return errors.InvalidCapabilityError(i, fmt.Sprintf("unknown operation %q", op))
			}
		}
		if c.ValueLimit <= 0 {
			return errors.InvalidCapabilityError(i, "value limit must be positive")
		}
		if req.MaxValue > 0 && c.ValueLimit > req.MaxValue {
			return errors.InvalidCapabilityError(i, "value limit exceeds the order total")
		}
		if !c.ValidUntil.After(c.ValidFrom) {
			return errors.InvalidCapabilityError(i, "capability window is inverted")
		}
		if !req.NotAfter.IsZero() && c.ValidUntil.After(req.NotAfter) {
			return errors.InvalidCapabilityError(i, "capability outlives its order")
		}
	}
	return nil
}

// Get returns the current credential bound to identity
func (s *Issuer) Get(ctx context.Context, identity string) (*entities.DelegatedCredential, error) {
	cred, err := s.repo.GetCredential(ctx, identity)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundError("CREDENTIAL")
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// Revoke ends a credential early at the owner's request
func (s *Issuer) Revoke(ctx context.Context, identity, owner string) (*entities.DelegatedCredential, error) {
	cred, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(cred.OwnerIdentity, owner) {
		return nil, errors.PermissionDeniedError(identity, "only the owner may revoke this credential")
	}
	if !cred.IsActive() {
		return cred, nil
	}

	now := s.now().UTC()
	if err := s.repo.UpdateCredentialStatus(ctx, cred.ID, entities.CredentialStatusRevoked, now); err != nil {
		return nil, fmt.Errorf("revoke credential: %w", err)
	}
	cred.Status = entities.CredentialStatusRevoked
	cred.RevokedAt = &now

	s.logger.Info("Revoked delegated credential",
		zap.String("credential_id", cred.ID.String()),
		zap.String("identity", identity))
	return cred, nil
}

// Void retires the credential when its order reaches a terminal status. Idempotent.
func (s *Issuer) Void(ctx context.Context, identity string) error {
	cred, err := s.repo.GetCredential(ctx, identity)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get credential: %w", err)
	}
	if !cred.IsActive() {
		return nil
	}

	if err := s.repo.UpdateCredentialStatus(ctx, cred.ID, entities.CredentialStatusVoided, s.now().UTC()); err != nil {
		return fmt.Errorf("void credential: %w", err)
	}

	s.logger.Info("Voided delegated credential",
		zap.String("credential_id", cred.ID.String()),
		zap.String("order_id", cred.OrderID.String()),
		zap.String("identity", identity))
	return nil
}

// Authorize checks actions against the signed capability set. spent is the value
// already consumed under the credential.
func (s *Issuer) Authorize(ctx context.Context, identity string, actions []entities.Action, spent int64, now time.Time) error {
	cred, err := s.repo.GetCredential(ctx, identity)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.PermissionDeniedError(identity, "no credential is bound to this identity")
		}
		return fmt.Errorf("get credential: %w", err)
	}

	signed, err := s.verifyToken(cred, now)
	if err != nil {
		s.logger.Warn("Credential token failed verification",
			zap.String("identity", identity),
			zap.Error(err))
		return errors.PermissionDeniedError(identity, "credential token is invalid")
	}

	if err := signed.Authorize(actions, spent, now); err != nil {
		return errors.PermissionDeniedError(identity, err.Error())
	}
	return nil
}

// SignCall signs the canonical JSON of call with the identity's automation key
// and attaches the credential token.
func (s *Issuer) SignCall(ctx context.Context, identity string, call entities.SettlementCall) (*entities.SignedCall, error) {
	if !strings.EqualFold(call.From, identity) {
		return nil, errors.PermissionDeniedError(identity, "call sender does not match the automation identity")
	}

	cred, err := s.repo.GetCredential(ctx, identity)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.PermissionDeniedError(identity, "no credential is bound to this identity")
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	key, err := s.repo.GetKey(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("get automation key: %w", err)
	}
	raw, err := s.cipher.Decrypt(key.EncryptedPrivateKey, key.Identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt automation key: %w", err)
	}
	priv, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("load automation key: %w", err)
	}

	payload, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode settlement call: %w", err)
	}
	digest := ethcrypto.Keccak256(payload)
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("sign settlement call: %w", err)
	}

	return &entities.SignedCall{
		Call:            call,
		Signer:          key.Identity,
		Digest:          hexutil.Encode(digest),
		Signature:       hexutil.Encode(sig),
		CredentialToken: cred.Token,
	}, nil
}

// VerifySignedCall checks that the signature over the call was produced by its signer
func VerifySignedCall(sc *entities.SignedCall) error {
	payload, err := json.Marshal(sc.Call)
	if err != nil {
		return fmt.Errorf("encode settlement call: %w", err)
	}
	digest := ethcrypto.Keccak256(payload)
	if hexutil.Encode(digest) != sc.Digest {
		return fmt.Errorf("digest mismatch")
	}
	sig, err := hexutil.Decode(sc.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != common.HexToAddress(sc.Signer) {
		return fmt.Errorf("signature does not match signer %s", sc.Signer)
	}
	return nil
}

func (s *Issuer) signToken(cred *entities.DelegatedCredential) (string, error) {
	claims := capabilityClaims{
		OrderID:      cred.OrderID.String(),
		Owner:        cred.OwnerIdentity,
		Capabilities: cred.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.ID.String(),
			Issuer:    tokenIssuer,
			Subject:   cred.AutomationIdentity,
			IssuedAt:  jwt.NewNumericDate(cred.CreatedAt),
			NotBefore: jwt.NewNumericDate(cred.ValidFrom),
			ExpiresAt: jwt.NewNumericDate(cred.ValidUntil),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential token: %w", err)
	}
	return token, nil
}

// verifyToken returns a view of cred whose capabilities come from the signed token
func (s *Issuer) verifyToken(cred *entities.DelegatedCredential, now time.Time) (*entities.DelegatedCredential, error) {
	claims := &capabilityClaims{}
	_, err := jwt.ParseWithClaims(cred.Token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(cred.AutomationIdentity),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(time.Second),
	)
	if err != nil {
		return nil, err
	}
	if claims.ID != cred.ID.String() {
		return nil, fmt.Errorf("token id %s does not match credential %s", claims.ID, cred.ID)
	}

	view := cred.Clone()
	view.Capabilities = claims.Capabilities
	return view, nil
}
