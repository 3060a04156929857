package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "flowcore-test-key"
	testIssuer   = "https://auth.test.flowcore.dev"
	testAudience = "flowcore-test"
)

// TestClaims describes the caller a token is minted for. Extra is applied
// last and may override any registered claim.
type TestClaims struct {
	SubjectID   string
	WorkspaceID string
	Roles       []string
	Extra       map[string]any
}

func (c TestClaims) mapClaims(issuedAt, expiresAt time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": c.SubjectID,
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(expiresAt),
	}
	if c.WorkspaceID != "" {
		mc["workspace_id"] = c.WorkspaceID
	}
	if len(c.Roles) > 0 {
		// Decoded JSON arrays are []any; mint them the same way.
		roles := make([]any, 0, len(c.Roles))
		for _, r := range c.Roles {
			roles = append(roles, r)
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, c.Extra)
	return mc
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and
// publishes the matching key over a JWKS endpoint.
type tokenIssuer struct {
	t    *testing.T
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	set, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{t: t, key: key, jwks: srv}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now, now.Add(time.Hour)))
}

// GenerateExpiredToken mints a token that expired an hour ago, well outside
// the verifier's clock skew.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	ti.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }
