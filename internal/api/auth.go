package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/meeting-voice-lab/internal/logging"
)

// RequireJWT rejects requests without a valid HS256 bearer token.
func RequireJWT(secret []byte) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(c *fiber.Ctx) error {
		raw, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || raw == "" {
			return fail(c, fiber.StatusUnauthorized, "missing bearer token")
		}
		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) { return secret, nil }); err != nil {
			logging.Debugw("api: rejected token", "err", err)
			return fail(c, fiber.StatusUnauthorized, "invalid bearer token")
		}
		c.Locals("subject", claims.Subject)
		return c.Next()
	}
}

// SignToken mints a bearer token for subject valid for ttl.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
