package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    "inbox-auth",
		Audience:  jwt.ClaimStrings{"inbox-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestNewJWTValidator(t *testing.T) {
	key := newKey(t)

	_, err := NewJWTValidator("invalid-pem", "", "")
	assert.Error(t, err)

	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))
	_, err = NewJWTValidator(pkcs1, "", "")
	assert.NoError(t, err)

	_, err = NewJWTValidator(publicPEM(t, key), "", "")
	assert.NoError(t, err)
}

func TestValidateToken(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v, err := NewJWTValidator(publicPEM(t, key), "inbox-auth", "inbox-api")
	require.NoError(t, err)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIss := validClaims()
	wrongIss.Issuer = "someone-else"
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"other-api"}
	noSub := validClaims()
	noSub.Subject = ""
	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{name: "valid", token: sign(t, key, jwt.SigningMethodRS256, validClaims()), wantSub: "user-123"},
		{name: "signed by other key", token: sign(t, other, jwt.SigningMethodRS256, validClaims()), wantErr: true},
		{name: "RS512 rejected", token: sign(t, key, jwt.SigningMethodRS512, validClaims()), wantErr: true},
		{name: "expired", token: sign(t, key, jwt.SigningMethodRS256, expired), wantErr: true},
		{name: "no expiry", token: sign(t, key, jwt.SigningMethodRS256, noExp), wantErr: true},
		{name: "wrong issuer", token: sign(t, key, jwt.SigningMethodRS256, wrongIss), wantErr: true},
		{name: "wrong audience", token: sign(t, key, jwt.SigningMethodRS256, wrongAud), wantErr: true},
		{name: "missing sub", token: sign(t, key, jwt.SigningMethodRS256, noSub), wantErr: true},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := v.ValidateToken(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, sub)
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewJWTValidatorFromKey(&key.PublicKey, "", "")
	token := sign(t, key, jwt.SigningMethodRS256, validClaims())

	var seen string
	h := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
	}))

	tests := []struct {
		name       string
		header     map[string]string
		trustProxy bool
		wantCode   int
		wantUser   string
	}{
		{name: "no header", wantCode: http.StatusUnauthorized},
		{name: "not bearer", header: map[string]string{"Authorization": "Basic abc"}, wantCode: http.StatusUnauthorized},
		{name: "bad token", header: map[string]string{"Authorization": "Bearer nope"}, wantCode: http.StatusUnauthorized},
		{name: "valid token", header: map[string]string{"Authorization": "Bearer " + token}, wantCode: http.StatusOK, wantUser: "user-123"},
		{name: "lowercase scheme", header: map[string]string{"Authorization": "bearer " + token}, wantCode: http.StatusOK, wantUser: "user-123"},
		{name: "proxy header ignored by default", header: map[string]string{UserIDHeader: "u9"}, wantCode: http.StatusUnauthorized},
		{name: "proxy header trusted", header: map[string]string{UserIDHeader: "u9"}, trustProxy: true, wantCode: http.StatusOK, wantUser: "u9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			v.TrustProxy = tt.trustProxy
			req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
			for k, val := range tt.header {
				req.Header.Set(k, val)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantUser, seen)
			if tt.wantCode == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
			}
		})
	}
}

func TestCronAuthorizer(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header map[string]string
		want   bool
	}{
		{name: "open when unset", want: true},
		{name: "bearer match", secret: "s3", header: map[string]string{"Authorization": "Bearer s3"}, want: true},
		{name: "header match", secret: "s3", header: map[string]string{CronSecretHeader: "s3"}, want: true},
		{name: "bearer mismatch", secret: "s3", header: map[string]string{"Authorization": "Bearer nope"}, want: false},
		{name: "missing", secret: "s3", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/deliveries/run", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, NewCronAuthorizer(tt.secret).Authorize(req))
		})
	}

	rec := httptest.NewRecorder()
	NewCronAuthorizer("s3").Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = UserIDFromContext(WithUserID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := UserIDFromContext(WithUserID(context.Background(), "u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestProxyOnlyValidator(t *testing.T) {
	v := NewJWTValidatorFromKey(nil, "", "")
	_, err := v.ValidateToken(sign(t, newKey(t), jwt.SigningMethodRS256, validClaims()))
	assert.ErrorIs(t, err, ErrNoKey)

	v.TrustProxy = true
	var got string
	h := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set(UserIDHeader, "user-9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "user-9", got)
}
