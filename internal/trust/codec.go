/**
 * @description
 * TrustTokenCodec: mints and verifies short-lived, audience-scoped tokens that authorize
 * exactly one privileged remote call. Tokens carry a capability payload under "data",
 * never an identity on their own.
 *
 * @notes
 * - Verification requires a valid signature, matching issuer and audience, now < exp and
 *   |now - iat| <= tolerance.
 * - There is no replay cache. A token stays usable for its whole tolerance window.
 */

package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/gateway-service/internal/domain"
)

// Claims is the signed envelope: {data, iat, exp, iss, aud}.
type Claims struct {
	Data json.RawMessage `json:"data"`
	jwt.RegisteredClaims
}

// Codec mints tokens as one issuer and verifies tokens from any issuer sharing its strategy.
type Codec struct {
	strategy Strategy
	issuer   string
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a codec that signs as issuer with the given token lifetime.
func NewCodec(strategy Strategy, issuer string, ttl time.Duration, opts ...Option) *Codec {
	c := &Codec{strategy: strategy, issuer: issuer, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mint signs payload for audience.
func (c *Codec) Mint(payload any, audience string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	now := c.now()
	claims := Claims{
		Data: data,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := c.strategy.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify checks token and decodes its payload into out (out may be nil). Every failure
// wraps domain.ErrUnauthorized.
func (c *Codec) Verify(token, expectedIssuer, expectedAudience string, tolerance time.Duration, out any) error {
	claims := &Claims{}
	parsed, err := c.strategy.Parse(token, claims,
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: token has no iat", domain.ErrUnauthorized)
	}
	age := c.now().Sub(claims.IssuedAt.Time)
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: token issued outside the %s tolerance window", domain.ErrUnauthorized, tolerance)
	}
	if out == nil {
		return nil
	}
	if len(claims.Data) == 0 {
		return fmt.Errorf("%w: token carries no payload", domain.ErrUnauthorized)
	}
	if err := json.Unmarshal(claims.Data, out); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", domain.ErrUnauthorized, err)
	}
	return nil
}

// ErrNoBearer is returned by BearerToken when the header is missing or malformed.
var ErrNoBearer = errors.New("authorization header must be 'Bearer <token>'")

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, ErrNoBearer)
	}
	return header[len(prefix):], nil
}
