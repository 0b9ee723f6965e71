// Command dev-token-server issues RS256 user tokens for local runs. Point
// inboxhookd's auth.jwt_public_key_file at the PEM served on /public-key.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/inbox_hooks/internal/logging"
)

const defaultTTL = time.Hour

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	iss, aud string
	now      func() time.Time
}

// loadKey parses a PKCS1 PEM private key, or generates one when pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (is *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.jwks)
	mux.HandleFunc("GET /public-key", is.publicKey)
	mux.HandleFunc("POST /token", is.createToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (is *issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := is.key.PublicKey
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, jwksResponse{Keys: []jwk{{
		Kty: "RSA",
		Use: "sig",
		Kid: is.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(intToBytes(pub.E)),
	}}})
}

func (is *issuer) publicKey(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&is.key.PublicKey)
	if err != nil {
		http.Error(w, "failed to encode key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func (is *issuer) createToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		TTL    int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	now := is.now()
	claims := jwt.RegisteredClaims{
		Subject:   req.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if is.iss != "" {
		claims.Issuer = is.iss
	}
	if is.aud != "" {
		claims.Audience = jwt.ClaimStrings{is.aud}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = is.keyID

	signed, err := token.SignedString(is.key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sign_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte(i & 0xff)}, b...)
		i >>= 8
	}
	return b
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	log := logging.New("dev-token-server")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("failed to load signing key")
	}
	is := &issuer{
		key:   key,
		keyID: getenv("JWT_KEY_ID", "inbox-dev-key-1"),
		iss:   os.Getenv("OADM_AUTH_ISSUER"),
		aud:   os.Getenv("OADM_AUTH_AUDIENCE"),
		now:   time.Now,
	}

	addr := getenv("DEV_TOKEN_ADDR", ":8082")
	log.Plain().WithField("addr", addr).Info("dev token server starting")
	if err := http.ListenAndServe(addr, is.routes()); err != nil {
		log.Plain().WithError(err).Fatal("dev token server failed")
	}
}
