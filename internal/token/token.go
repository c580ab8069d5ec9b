// Package token issues and validates the signed session tokens used by the
// request plane.
//
// Tokens come in two variants: short-lived access tokens carrying a frozen
// permission snapshot, and long-lived refresh tokens carrying none. Both embed
// issuer, audience, validity window, a unique id, the tenant and principal
// ids, and a minimum-version gate (token_version, rejected when below 1).
//
// Revocation is a blocklist in the ephemeral counter store keyed by token id,
// written with a TTL no shorter than the token's remaining lifetime, so a
// revoked id stays denied for as long as the token could still validate.
package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/fault"
)

// Type distinguishes the two token variants.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// minVersion is the minimum accepted token_version claim. Tokens below it are
// rejected regardless of signature validity.
const minVersion = 1

// Claims is the JWT claim set for Voxwire session tokens.
type Claims struct {
	jwt.RegisteredClaims

	TenantID    string   `json:"tenant_id"`
	PrincipalID string   `json:"principal_id"`
	TokenType   Type     `json:"token_type"`
	Version     int      `json:"token_version"`
	Permissions []string `json:"permissions,omitempty"`
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Permissions      []string
}

// Config holds issuer settings.
type Config struct {
	Issuer   string
	Audience string

	// HMACSecret selects HS256 signing. Mutually exclusive with RSAKey.
	HMACSecret []byte

	// RSAKey selects RS256 signing.
	RSAKey *rsa.PrivateKey

	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

// Issuer issues, validates, refreshes, and revokes session tokens.
// All methods are safe for concurrent use.
type Issuer struct {
	cfg       Config
	blocks    *counter.Client
	now       func() time.Time
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// New creates an Issuer. Exactly one of cfg.HMACSecret or cfg.RSAKey must be
// set; blocks is the revocation blocklist backend.
func New(cfg Config, blocks *counter.Client) (*Issuer, error) {
	iss := &Issuer{cfg: cfg, blocks: blocks, now: time.Now}
	switch {
	case len(cfg.HMACSecret) > 0 && cfg.RSAKey != nil:
		return nil, fmt.Errorf("token: HMAC secret and RSA key are mutually exclusive")
	case len(cfg.HMACSecret) > 0:
		iss.method = jwt.SigningMethodHS256
		iss.signKey = cfg.HMACSecret
		iss.verifyKey = cfg.HMACSecret
	case cfg.RSAKey != nil:
		iss.method = jwt.SigningMethodRS256
		iss.signKey = cfg.RSAKey
		iss.verifyKey = &cfg.RSAKey.PublicKey
	default:
		return nil, fmt.Errorf("token: no signing key configured")
	}
	if iss.cfg.AccessLifetime <= 0 {
		iss.cfg.AccessLifetime = 30 * time.Minute
	}
	if iss.cfg.RefreshLifetime <= 0 {
		iss.cfg.RefreshLifetime = 7 * 24 * time.Hour
	}
	return iss, nil
}

// IssuePair issues a fresh access+refresh pair for the given session identity.
// permissions is frozen into the access token only.
func (i *Issuer) IssuePair(tenantID, principalID string, permissions []string) (*Pair, error) {
	now := i.now()
	access, accessExp, err := i.sign(TypeAccess, tenantID, principalID, permissions, now)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := i.sign(TypeRefresh, tenantID, principalID, nil, now)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		Permissions:      permissions,
	}, nil
}

// Validate parses and verifies raw, checking signature, issuer, audience,
// validity window, token-type match, minimum version, and the revocation
// blocklist. All failures map to fault.KindUnauthenticated.
func (i *Issuer) Validate(ctx context.Context, raw string, want Type) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != i.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return i.verifyKey, nil
		},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnauthenticated, err, "token: invalid")
	}
	if claims.TokenType != want {
		return nil, fault.New(fault.KindUnauthenticated, "token: type is %s, want %s", claims.TokenType, want)
	}
	if claims.Version < minVersion {
		return nil, fault.New(fault.KindUnauthenticated, "token: version %d below minimum %d", claims.Version, minVersion)
	}

	// Blocklist check. A counter-store failure here fails closed: a token we
	// cannot prove unrevoked is not accepted.
	_, revoked, err := i.blocks.Get(ctx, blockKey(claims.ID))
	if err != nil {
		return nil, fault.Wrap(fault.KindUnauthenticated, err, "token: revocation check")
	}
	if revoked {
		return nil, fault.New(fault.KindUnauthenticated, "token: revoked")
	}
	return claims, nil
}

// Refresh validates a refresh token and issues a new access token for the same
// session identity. The refresh token itself is returned unchanged — it is
// rotated only by explicit logout. permissions is the caller's current
// expansion for the principal (re-read so revoked grants drop off on refresh).
func (i *Issuer) Refresh(ctx context.Context, rawRefresh string, permissions []string) (*Pair, error) {
	claims, err := i.Validate(ctx, rawRefresh, TypeRefresh)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := i.sign(TypeAccess, claims.TenantID, claims.PrincipalID, permissions, i.now())
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: claims.ExpiresAt.Time,
		Permissions:      permissions,
	}, nil
}

// Revoke writes the token id to the blocklist with a TTL covering the token's
// remaining lifetime. Every subsequent Validate of that id is denied.
func (i *Issuer) Revoke(ctx context.Context, claims *Claims) error {
	remaining := claims.ExpiresAt.Sub(i.now())
	if remaining <= 0 {
		return nil // already expired, nothing to block
	}
	// Pad by a minute so clock skew cannot resurrect the token at the edge.
	if err := i.blocks.SetWithTTL(ctx, blockKey(claims.ID), "1", remaining+time.Minute); err != nil {
		return fmt.Errorf("token: revoke %s: %w", claims.ID, err)
	}
	return nil
}

// sign builds and signs one token of the given type.
func (i *Issuer) sign(typ Type, tenantID, principalID string, permissions []string, now time.Time) (string, time.Time, error) {
	lifetime := i.cfg.AccessLifetime
	if typ == TypeRefresh {
		lifetime = i.cfg.RefreshLifetime
	}
	exp := now.Add(lifetime)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		TenantID:    tenantID,
		PrincipalID: principalID,
		TokenType:   typ,
		Version:     minVersion,
	}
	if typ == TypeAccess {
		claims.Permissions = permissions
	}

	raw, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign %s: %w", typ, err)
	}
	return raw, exp, nil
}

func blockKey(id string) string { return "revoked:" + id }
