package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/model"
)

const clockSkew = 30 * time.Second

var (
	asymmetricAlgorithms = []string{"RS256", "ES256"}
	hmacAlgorithms       = []string{"HS256"}
)

// SecretKeyfunc verifies tokens with a shared HMAC secret.
func SecretKeyfunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}

// NewAuthenticator builds the bearer token middleware. A configured JWKS URL
// selects asymmetric verification; otherwise tokens are HMAC-signed with the
// secret named by SecretEnv, and only HS algorithms are accepted.
func NewAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.JWKSURL != "" {
		if len(cfg.Algorithms) == 0 {
			cfg.Algorithms = asymmetricAlgorithms
		}
		return JWTAuthenticator(cfg, NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger).Keyfunc), nil
	}

	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("transport: %s is not set", cfg.SecretEnv)
	}
	cfg.Algorithms = slices.DeleteFunc(slices.Clone(cfg.Algorithms), func(a string) bool {
		return !strings.HasPrefix(a, "HS")
	})
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = hmacAlgorithms
	}
	return JWTAuthenticator(cfg, SecretKeyfunc([]byte(secret))), nil
}

// JWTAuthenticator verifies the bearer token and stores its claims in the
// request context. Tokens must carry exp and match the configured issuer,
// audience and algorithms.
func JWTAuthenticator(cfg config.IdentityConfig, keyfunc jwt.Keyfunc) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ee := bearerToken(r)
			if ee != nil {
				WriteError(w, ee)
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyfunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, *model.ErrorEnvelope) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return token, nil
}

// classifyJWTError turns a parse failure into a client-safe message.
func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Missing required claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
