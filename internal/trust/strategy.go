/**
 * @description
 * Signing strategies for trust tokens. A Strategy owns the key material and the JWT
 * signing method; the Codec never sees keys directly, so a shared-secret deployment can
 * move to asymmetric keys without touching callers.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token encoding, signing and parsing.
 */

package trust

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Strategy signs and parses tokens with one key and algorithm.
type Strategy interface {
	Sign(claims jwt.Claims) (string, error)
	Parse(token string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error)
}

// HMACStrategy signs with a shared secret (HS256).
type HMACStrategy struct {
	secret []byte
}

// NewHMACStrategy returns a shared-secret strategy.
func NewHMACStrategy(secret []byte) *HMACStrategy {
	return &HMACStrategy{secret: secret}
}

func (s *HMACStrategy) Sign(claims jwt.Claims) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("hmac strategy: empty secret")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *HMACStrategy) Parse(token string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if len(s.secret) == 0 {
			return nil, errors.New("hmac strategy: empty secret")
		}
		return s.secret, nil
	}, opts...)
}

// RSAStrategy signs with a private key (RS256) and verifies with the public half. A
// verify-only strategy has a nil private key.
type RSAStrategy struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewRSAStrategy returns an asymmetric strategy. private may be nil for verify-only use.
func NewRSAStrategy(private *rsa.PrivateKey, public *rsa.PublicKey) *RSAStrategy {
	if public == nil && private != nil {
		public = &private.PublicKey
	}
	return &RSAStrategy{private: private, public: public}
}

func (s *RSAStrategy) Sign(claims jwt.Claims) (string, error) {
	if s.private == nil {
		return "", errors.New("rsa strategy: no private key configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.private)
}

func (s *RSAStrategy) Parse(token string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	if s.public == nil {
		return nil, fmt.Errorf("rsa strategy: no public key configured")
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	return jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.public, nil
	}, opts...)
}
