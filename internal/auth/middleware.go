package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Locals keys shared between the upgrade middleware and the socket handler.
const (
	LocalClaims    = "claims"
	LocalAuthError = "authError"
)

// WebsocketAuth validates the bearer credential before the websocket
// upgrade. The token is read from the `token` query parameter (the form
// drawing clients use), falling back to the Authorization header and the
// access_token cookie. On failure the request is still upgraded: the reason
// is stashed in Locals so the socket handler can close with a policy code
// instead of a bare HTTP error the client never sees.
func WebsocketAuth(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			header := c.Get("Authorization")
			if strings.HasPrefix(strings.ToLower(header), "bearer ") {
				token = header[len("bearer "):]
			}
		}
		if token == "" {
			token = c.Cookies("access_token")
		}

		if token == "" {
			c.Locals(LocalAuthError, "missing credentials")
			return c.Next()
		}

		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if err == ErrExpiredToken {
				c.Locals(LocalAuthError, "credentials expired")
			} else {
				c.Locals(LocalAuthError, "invalid credentials")
			}
			return c.Next()
		}

		c.Locals(LocalClaims, claims)
		return c.Next()
	}
}

// Middleware authenticates plain HTTP requests, for routes the external
// CRUD surface mounts on this process (health details, diagnostics).
func Middleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			authHeader = c.Cookies("access_token")
			if authHeader == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "missing authorization token",
				})
			}
		} else {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid authorization header format",
				})
			}
			authHeader = parts[1]
		}

		claims, err := jwtManager.ValidateAccessToken(authHeader)
		if err != nil {
			if err == ErrExpiredToken {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals("userID", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("nickname", claims.Nickname)
		c.Locals(LocalClaims, claims)

		return c.Next()
	}
}
