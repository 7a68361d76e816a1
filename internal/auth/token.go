package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MinSecretSize is the shortest accepted HMAC secret.
const MinSecretSize = 32

// DefaultIssuer is the iss claim of tokens issued by castella.
const DefaultIssuer = "castella"

// Common errors
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrShortSecret  = fmt.Errorf("auth: secret must be at least %d bytes", MinSecretSize)
)

// Claims are the JWT claims of an access token.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants scope.
func (c *Claims) Allows(scope string) bool {
	return Allows(c.Scopes, scope)
}

// Tokens issues and validates HS256 access tokens.
type Tokens struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
	parser *jwt.Parser
}

// NewTokens creates a Tokens for secret. A nil clock uses the real clock.
func NewTokens(secret []byte, issuer string, clock clockwork.Clock) (*Tokens, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrShortSecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tokens{
		secret: secret,
		issuer: issuer,
		clock:  clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(30*time.Second),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

// Issue signs a token for subject with the given scopes, valid for ttl.
func (t *Tokens) Issue(subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be positive")
	}
	scopes, err := ParseScopes(scopes...)
	if err != nil {
		return "", time.Time{}, err
	}

	now := t.clock.Now().Truncate(time.Second)
	expires := now.Add(ttl)
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses and verifies a token. Every failure wraps ErrInvalidToken.
func (t *Tokens) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := t.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
