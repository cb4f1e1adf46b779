package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	operatorContextKey = "Operator"
	operatorSubject    = "operator"
	defaultTokenTTL    = 12 * time.Hour
)

// OperatorClaims are the JWT claims of an operator token.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(secret string, issuedAt, expiresAt time.Time) (string, error) {
	claims := OperatorClaims{
		Role: operatorSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid && claims.Role == operatorSubject {
		return claims.Subject, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces operator JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		subject, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(operatorContextKey, subject)
		c.Next()
	}
}

// CurrentOperator returns the authenticated subject from context.
func CurrentOperator(c *gin.Context) string {
	if v, ok := c.Get(operatorContextKey); ok {
		if s, okCast := v.(string); okCast {
			return s
		}
	}
	return ""
}

// issueToken exchanges the operator password for a token.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "password is required")
		return
	}
	if s.auth.PasswordHash == "" || s.auth.JWTSecret == "" {
		respondError(c, http.StatusServiceUnavailable, "AUTH_DISABLED", "operator login is not configured")
		return
	}
	if err := checkPassword(s.auth.PasswordHash, req.Password); err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	ttl := s.auth.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	token, err := generateToken(s.auth.JWTSecret, now, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
