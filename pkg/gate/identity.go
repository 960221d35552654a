package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
)

// Principal is a resolved caller identity.
type Principal struct {
	Subject  string
	TenantID string
	Roles    []string
}

// IdentityResolver authenticates a credential for a tenant.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential, tenantID string) (Principal, error)
}

// Claims are the JWT claims the kernel expects.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// JWTIdentityResolver validates HMAC-signed tokens.
type JWTIdentityResolver struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

func NewJWTIdentityResolver(secret []byte, issuer string, c clock.Clock) *JWTIdentityResolver {
	if c == nil {
		c = clock.Wall()
	}
	return &JWTIdentityResolver{secret: secret, issuer: issuer, clock: c}
}

func (r *JWTIdentityResolver) Resolve(_ context.Context, credential, tenantID string) (Principal, error) {
	if len(r.secret) == 0 {
		return Principal{}, errors.New("identity: resolver has no key")
	}
	if credential == "" {
		return Principal{}, errors.New("identity: no credential")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) { return r.secret, nil }, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("identity: token validation failed: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("identity: invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("identity: token has no subject")
	}
	if claims.TenantID != tenantID {
		return Principal{}, errors.New("identity: token tenant does not match work order tenant")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}, nil
}

// Sign issues a token for p. Used by tooling and tests.
func (r *JWTIdentityResolver) Sign(p Principal, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(r.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: p.TenantID,
		Roles:    p.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// StaticIdentityResolver maps fixed credentials to principals.
type StaticIdentityResolver map[string]Principal

func (s StaticIdentityResolver) Resolve(_ context.Context, credential, tenantID string) (Principal, error) {
	p, ok := s[credential]
	if !ok {
		return Principal{}, errors.New("identity: unknown credential")
	}
	if p.TenantID != tenantID {
		return Principal{}, errors.New("identity: tenant mismatch")
	}
	return p, nil
}
