package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	// ErrMissingToken signals that the request carried no credentials.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken signals a token that failed signature, expiry, or
	// issuer checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the signed identity payload carried by every authenticated
// request.
type Claims struct {
	UserID    string `json:"uid"`
	UserEmail string `json:"email"`
	jwt.RegisteredClaims
}

// GetUserID returns the stable identity used as the ledger key.
func (claims *Claims) GetUserID() string { return claims.UserID }

// GetUserEmail returns the email presented at sign-in.
func (claims *Claims) GetUserEmail() string { return claims.UserEmail }

// Config configures token validation.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
}

// Validator verifies HS256 session tokens arriving as a bearer header or
// a session cookie.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// New builds a Validator from configuration.
func New(cfg Config) (*Validator, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("auth: signing key is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("auth: issuer is required")
	}
	if strings.TrimSpace(cfg.CookieName) == "" {
		return nil, fmt.Errorf("auth: cookie name is required")
	}
	return &Validator{
		signingKey: cfg.SigningKey,
		issuer:     cfg.Issuer,
		cookieName: cfg.CookieName,
	}, nil
}

// Parse verifies a raw token string and returns its claims.
func (validator *Validator) Parse(rawToken string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return validator.signingKey, nil
	}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidToken)
	}
	return claims, nil
}

// GinMiddleware authenticates the request and stores *Claims under the
// given context key. Unauthenticated requests are aborted with 401.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rawToken, err := validator.extractToken(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing session"},
			})
			return
		}
		claims, err := validator.Parse(rawToken)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "invalid session"},
			})
			return
		}
		ctx.Set(contextKey, claims)
		ctx.Next()
	}
}

func (validator *Validator) extractToken(ctx *gin.Context) (string, error) {
	header := ctx.GetHeader("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		rawToken := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if rawToken != "" {
			return rawToken, nil
		}
	}
	cookie, err := ctx.Cookie(validator.cookieName)
	if err == nil && strings.TrimSpace(cookie) != "" {
		return cookie, nil
	}
	return "", ErrMissingToken
}
