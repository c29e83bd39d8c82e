package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/oraclepay/internal/pkg/usercontext"
)

// DefaultLeeway tolerates small clock skew between the token issuer and us.
const DefaultLeeway = 30 * time.Second

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// AuthError is returned when a bearer token cannot be accepted.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Claims are the token claims issued by the authentication service.
// uid is preferred; sub is accepted for tokens that only carry the subject.
type Claims struct {
	UID   string `json:"uid,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns uid or falls back to sub.
func (c *Claims) UserID() string {
	if uid := strings.TrimSpace(c.UID); uid != "" {
		return uid
	}
	return strings.TrimSpace(c.Subject)
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

type VerifierOption func(*TokenVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) VerifierOption {
	return func(v *TokenVerifier) { v.issuer = iss }
}

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *TokenVerifier) { v.leeway = d }
}

func NewTokenVerifier(secret string, opts ...VerifierOption) *TokenVerifier {
	v := &TokenVerifier{secret: []byte(secret), leeway: DefaultLeeway}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses raw and returns the caller identity. Tokens without exp are rejected.
func (v *TokenVerifier) Verify(raw string) (usercontext.UserContext, error) {
	if len(v.secret) == 0 {
		return usercontext.UserContext{}, &AuthError{Reason: "verifier not configured", Err: ErrInvalidToken}
	}
	if strings.TrimSpace(raw) == "" {
		return usercontext.UserContext{}, &AuthError{Reason: "missing token", Err: ErrMissingToken}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return usercontext.UserContext{}, &AuthError{Reason: "token expired", Err: ErrExpiredToken}
		}
		return usercontext.UserContext{}, &AuthError{Reason: "token rejected", Err: fmt.Errorf("%w: %v", ErrInvalidToken, err)}
	}

	uid := claims.UserID()
	if uid == "" {
		return usercontext.UserContext{}, &AuthError{Reason: "token has no subject", Err: ErrInvalidToken}
	}
	uc := usercontext.UserContext{UserID: uid, Email: claims.Email, IsLoggedIn: true}
	if claims.ExpiresAt != nil {
		uc.ExpiresAt = claims.ExpiresAt.Time
	}
	return uc, nil
}

// IssueToken signs an HS256 token for uid. Used by tooling and tests.
func IssueToken(secret, uid, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:   uid,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireBearerAuth rejects requests without a valid bearer token with a JSON 401.
func RequireBearerAuth(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc, err := v.Verify(extractBearerToken(c))
		if err != nil {
			return unauthorized(c, err)
		}
		usercontext.Set(c, uc)
		return c.Next()
	}
}

// OptionalBearerAuth sets the user context when a valid token is present.
// A present but invalid token is still rejected so callers never silently
// fall back to guest handling.
func OptionalBearerAuth(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := extractBearerToken(c)
		if raw == "" {
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}
		uc, err := v.Verify(raw)
		if err != nil {
			return unauthorized(c, err)
		}
		usercontext.Set(c, uc)
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, err error) error {
	message := "Invalid token"
	switch {
	case errors.Is(err, ErrMissingToken):
		message = "Missing bearer token"
	case errors.Is(err, ErrExpiredToken):
		message = "Token expired"
	default:
		log.Debugf("[Auth] rejected token on %s: %v", c.Path(), err)
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": message})
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
