package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Token errors.
var (
	// ErrUnauthenticated is returned for missing, malformed, expired, or
	// revoked tokens.
	ErrUnauthenticated = errors.New("unauthenticated: invalid or expired token")

	// ErrForbidden is returned when a valid token belongs to a different
	// tenant than the resource it is used against.
	ErrForbidden = errors.New("forbidden: tenant mismatch")
)

// MinSecretLen is the minimum signing-secret length. Startup refuses shorter
// secrets.
const MinSecretLen = 32

const tenantClaim = "tenant_id"

// TokenManager issues and verifies sliding-window bearer tokens: every
// authenticated request gets a fresh token with a renewed expiry. Tokens are
// HS256-signed with the process-wide session secret, so any instance can
// verify a token issued by any other.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	deny   *denyList
	now    func() time.Time
}

// NewTokenManager creates a token manager. The secret must be at least
// MinSecretLen bytes.
func NewTokenManager(secret []byte, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	return &TokenManager{secret: secret, ttl: ttl, deny: newDenyList(), now: time.Now}, nil
}

// Issue signs a fresh token for the tenant.
func (m *TokenManager) Issue(tenantID string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	token, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Claim(tenantClaim, tenantID).
		IssuedAt(now).
		Expiration(expiresAt).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("building token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, m.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return string(signed), expiresAt, nil
}

// Verify validates signature and expiry and returns the token's tenant.
// HMAC verification inside jwx is constant-time.
func (m *TokenManager) Verify(raw string) (string, error) {
	if raw == "" {
		return "", ErrUnauthenticated
	}
	if m.deny.revoked(signaturePart(raw), m.now()) {
		return "", ErrUnauthenticated
	}
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", ErrUnauthenticated
	}
	tenant, ok := token.Get(tenantClaim)
	if !ok {
		return "", ErrUnauthenticated
	}
	tenantID, ok := tenant.(string)
	if !ok || tenantID == "" {
		return "", ErrUnauthenticated
	}
	return tenantID, nil
}

// Revoke places a token on the deny-list until its natural expiry would have
// passed. Supported for explicit logout; correctness never depends on it.
func (m *TokenManager) Revoke(raw string) {
	m.deny.add(signaturePart(raw), m.now().Add(m.ttl))
}

// signaturePart extracts the JWS signature segment, which is the smallest
// stable identifier of a token.
func signaturePart(raw string) string {
	if i := strings.LastIndexByte(raw, '.'); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// denyList is a short-lived token revocation set keyed by signature.
type denyList struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newDenyList() *denyList {
	return &denyList{entries: map[string]time.Time{}}
}

func (d *denyList) add(sig string, until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[sig] = until
}

func (d *denyList) revoked(sig string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[sig]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(d.entries, sig)
		return false
	}
	return true
}
