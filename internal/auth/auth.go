// Package auth turns a bearer token into the caller's user id.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userIDKey = "user_id"

// Error is an authorization failure. Its message is returned to the client.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var errMissingSubject = errors.New("token has no sub claim")

// Config controls token verification.
type Config struct {
	// Secret is the HS256 signing key.
	Secret string
	// SkipVerify decodes tokens without checking the signature or expiry.
	SkipVerify bool
	Issuer     string
}

// Verifier validates bearer tokens.
type Verifier struct {
	config Config
	parser *jwt.Parser
}

// NewVerifier returns a verifier for cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	if !cfg.SkipVerify && cfg.Secret == "" {
		return nil, errors.New("auth: jwt secret is required unless skip_verify is set")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		config: cfg,
		parser: jwt.NewParser(opts...),
	}, nil
}

// UserID returns the sub claim of a valid token.
func (v *Verifier) UserID(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}

	if v.config.SkipVerify {
		if _, _, err := v.parser.ParseUnverified(tokenString, &claims); err != nil {
			return "", err
		}
	} else {
		_, err := v.parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(v.config.Secret), nil
		})
		if err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}

// Authenticate extracts the user id from an Authorization header value.
func (v *Verifier) Authenticate(header string) (string, error) {
	if header == "" {
		return "", &Error{Message: "Authorization header missing"}
	}

	token := header
	if scheme, rest, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(rest)
	}

	userID, err := v.UserID(token)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("Invalid token: %v", err)}
	}
	return userID, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the user id
// on the gin context.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
