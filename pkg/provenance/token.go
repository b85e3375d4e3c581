package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Token verification errors.
var (
	ErrTokenMalformed = errors.New("provenance token malformed")
	ErrTokenSignature = errors.New("provenance token signature mismatch")
	ErrTokenExpired   = errors.New("provenance token expired")
	ErrTokenTenant    = errors.New("provenance token tenant mismatch")
)

// TokenPayload is the signed payload of a cross-boundary provenance token.
// The token carries only a reference; the metadata itself lives in the shared
// cache under prov:meta:{tenant_id}:{metadata_ref}.
type TokenPayload struct {
	Version     int    `json:"version"`
	TenantID    string `json:"tenant_id"`
	ExecutionID string `json:"execution_id"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	ValueDigest string `json:"value_digest"`
	MetadataRef string `json:"metadata_ref"`
}

// Signer issues and verifies provenance tokens. The per-tenant signing secret
// is derived from the process secret so tokens never validate across tenants.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer from the process-wide provenance secret.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// tenantSecret derives the HMAC key for one tenant.
func (s *Signer) tenantSecret(tenantID string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(tenantID))
	return mac.Sum(nil)
}

// Issue signs a token for a value digest and metadata reference.
func (s *Signer) Issue(tenantID, executionID, valueDigest, metadataRef string) (string, error) {
	now := s.now()
	payload := TokenPayload{
		Version:     1,
		TenantID:    tenantID,
		ExecutionID: executionID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.ttl).Unix(),
		ValueDigest: valueDigest,
		MetadataRef: metadataRef,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling token payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.tenantSecret(tenantID))
	mac.Write(raw)
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a token's signature, tenant binding, and expiry, returning
// the payload. Signature comparison is constant-time.
func (s *Signer) Verify(token, tenantID string) (*TokenPayload, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrTokenMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return nil, ErrTokenMalformed
	}

	var payload TokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrTokenMalformed
	}

	mac := hmac.New(sha256.New, s.tenantSecret(payload.TenantID))
	mac.Write(raw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenSignature
	}
	if payload.TenantID != tenantID {
		return nil, ErrTokenTenant
	}
	if s.now().Unix() > payload.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &payload, nil
}
