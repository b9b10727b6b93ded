package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// UserKey is the gin context key holding the authenticated user name.
const UserKey = "keeper.user"

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

/**
 * Issue a signed API token
 * @param {string} secret - HMAC secret
 * @param {string} username - Token subject
 * @param {time.Duration} ttl - Token lifetime
 * @returns {(string, error)} HS256 signed token
 * @throws
 * - config.ErrMissingSecret when secret is empty
 */
func GenerateToken(secret, username string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", config.ErrMissingSecret
	}
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token, every token is rejected when secret is empty.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	if secret == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// TokenTTL parses the configured lifetime, 24h when unset or malformed.
func TokenTTL(cfg *config.AuthConfig) time.Duration {
	if d, err := time.ParseDuration(cfg.TokenTTL); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

/**
 * Bearer token middleware
 * @param {*config.AuthConfig} cfg - Auth configuration
 * @returns {gin.HandlerFunc} Middleware
 * @description
 * - Does nothing when auth is disabled
 * - Reads "Authorization: Bearer <token>", or ?token= for websocket upgrades
 * - Aborts with 401 and code "auth.unauthorized"
 */
func BearerAuth(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		token := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, &models.ErrorResponse{
				Code:  "auth.unauthorized",
				Error: "missing bearer token",
			})
			return
		}
		claims, err := ParseToken(cfg.Secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, &models.ErrorResponse{
				Code:  "auth.unauthorized",
				Error: err.Error(),
			})
			return
		}
		c.Set(UserKey, claims.Username)
		c.Next()
	}
}
