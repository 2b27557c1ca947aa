package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// Context keys set by the auth middleware.
const (
	ContextUserID = "user_id"
	ContextAdmin  = "admin"
)

// Development mode headers, honored only when no JWT secret is configured.
const (
	HeaderUserID = "X-User-ID"
	HeaderAdmin  = "X-User-Admin"
)

// AuthConfig configures bearer token authentication.
type AuthConfig struct {
	// Secret is the HMAC key tokens are signed with. Empty enables
	// development mode, where the caller is taken from X-User-ID.
	Secret string

	// Issuer is required in the iss claim when set.
	Issuer string

	// AdminRole grants access to every user's orders.
	AdminRole string
}

// AuthGuard authenticates the caller and attaches it to the request context
// with engine.WithUser. Tokens are read from the Authorization header and,
// for browser clients, from the authorization cookie.
func AuthGuard(cfg AuthConfig) gin.HandlerFunc {
	if cfg.Secret == "" {
		return devGuard()
	}

	parser := jwt.NewParser(parserOptions(cfg)...)
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}

	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		userID := subjectOf(claims)
		if userID == "" {
			unauthorized(c, "token has no subject")
			return
		}

		setUser(c, userID, hasRole(claims, cfg.AdminRole))
		c.Next()
	}
}

func parserOptions(cfg AuthConfig) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return opts
}

func devGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			unauthorized(c, "missing "+HeaderUserID+" header")
			return
		}
		setUser(c, userID, c.GetHeader(HeaderAdmin) == "true")
		c.Next()
	}
}

func setUser(c *gin.Context, userID string, admin bool) {
	c.Set(ContextUserID, userID)
	c.Set(ContextAdmin, admin)
	c.Request = c.Request.WithContext(engine.WithUser(c.Request.Context(), userID, admin))
}

func bearerToken(c *gin.Context) (string, bool) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		cookie, err := c.Cookie("authorization")
		if err != nil {
			return "", false
		}
		raw = cookie
	}
	if !strings.HasPrefix(raw, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(raw[len("Bearer "):])
	return token, token != ""
}

// subjectOf prefers the registered sub claim and falls back to user_id.
func subjectOf(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func hasRole(claims jwt.MapClaims, role string) bool {
	if role == "" {
		return false
	}
	if r, ok := claims["role"].(string); ok && r == role {
		return true
	}
	roles, _ := claims["roles"].([]interface{})
	for _, r := range roles {
		if s, ok := r.(string); ok && s == role {
			return true
		}
	}
	return false
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorBody{Code: "UNAUTHENTICATED", Message: message})
}

// IssueToken signs an HS256 token for userID. It backs the token CLI command
// and tests.
func IssueToken(cfg AuthConfig, userID string, roles []string, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
