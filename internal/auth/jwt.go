package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// UserIDHeader carries the caller id when a trusted proxy has already
// validated the token.
const UserIDHeader = "X-User-Id"

// CronSecretHeader is the alternative to a bearer token on internal triggers.
const CronSecretHeader = "X-OADM-Cron-Secret"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrMissingSub   = errors.New("missing sub claim")
	ErrNoKey        = errors.New("no public key configured")
)

// JWTValidator checks RS256 bearer tokens; the sub claim is the user id.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	// TrustProxy accepts UserIDHeader without a token.
	TrustProxy bool
}

// NewJWTValidator parses a PEM public key (PKCS1 or PKIX). Empty issuer or
// audience disables that check.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}
	return NewJWTValidatorFromKey(publicKey, issuer, audience), nil
}

// NewJWTValidatorFromKey builds a validator around key. A nil key rejects
// every token, which leaves TrustProxy as the only way in.
func NewJWTValidatorFromKey(key *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{publicKey: key, issuer: issuer, audience: audience}
}

// ValidateToken validates a JWT and returns its subject
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	if v.publicKey == nil {
		return "", ErrNoKey
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrMissingSub
	}
	return claims.Subject, nil
}

// HTTPMiddleware rejects requests without a valid bearer token and stores
// the caller's user id in the request context.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.TrustProxy {
			if userID := r.Header.Get(UserIDHeader); userID != "" {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
				return
			}
		}

		token, ok := BearerToken(r)
		if !ok {
			Unauthorized(w)
			return
		}
		userID, err := v.ValidateToken(token)
		if err != nil {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

var bearerRE = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	m := bearerRE.FindStringSubmatch(strings.TrimSpace(r.Header.Get("Authorization")))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// CronAuthorizer guards internal trigger endpoints with a shared secret. An
// empty secret leaves the endpoints open.
type CronAuthorizer struct {
	secret string
}

func NewCronAuthorizer(secret string) *CronAuthorizer {
	return &CronAuthorizer{secret: secret}
}

// Authorize accepts the secret as a bearer token or in CronSecretHeader.
func (c *CronAuthorizer) Authorize(r *http.Request) bool {
	if c.secret == "" {
		return true
	}
	token, ok := BearerToken(r)
	if !ok {
		token = r.Header.Get(CronSecretHeader)
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.secret)) == 1
}

func (c *CronAuthorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Authorize(r) {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Unauthorized writes the standard 401 body.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// UserIDFromContext extracts the authenticated user id
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
