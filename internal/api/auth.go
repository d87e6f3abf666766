package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const accountContextKey = "Account"

// BridgeClaims are the JWT claims for both operator and connector tokens.
// Operator tokens carry subject "operator" and no account; connector tokens
// carry the account they may authenticate as.
type BridgeClaims struct {
	Account string `json:"acct,omitempty"`
	jwt.RegisteredClaims
}

func generateToken(subject, account, secret string, ttl time.Duration) (string, error) {
	claims := BridgeClaims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*BridgeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &BridgeClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*BridgeClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// ValidateConnectorToken checks a connector token and returns the account it
// was minted for.
func ValidateConnectorToken(tokenStr, secret string) (string, error) {
	claims, err := parseToken(tokenStr, secret)
	if err != nil {
		return "", err
	}
	if claims.Account == "" {
		return "", errors.New("token carries no account")
	}
	return claims.Account, nil
}

// AuthMiddleware enforces JWT auth for protected routes.
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

		claims, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(accountContextKey, claims.Account)
		c.Next()
	}
}

// operatorToken exchanges the admin key for an operator JWT.
func (s *Server) operatorToken(c *gin.Context) {
	var req struct {
		AdminKey string `json:"admin_key"`
	}
	if err := c.BindJSON(&req); err != nil || req.AdminKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "admin_key is required",
		})
		return
	}
	if req.AdminKey != s.AdminKey {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_ADMIN_KEY",
			"error": "admin key rejected",
		})
		return
	}

	token, err := generateToken("operator", "", s.JWTSecret, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in_sec": 24 * 3600})
}

// connectorToken mints a long-lived token a connector presents during its
// websocket handshake. Operators call this once per deployed connector.
func (s *Server) connectorToken(c *gin.Context) {
	var req struct {
		Account string `json:"account"`
	}
	if err := c.BindJSON(&req); err != nil || req.Account == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "account is required",
		})
		return
	}

	token, err := generateToken("connector", req.Account, s.JWTSecret, 30*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": req.Account, "token": token})
}
