package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"dmsdk/internal/repo"
)

// SubscriptionKeyHeader carries the catalog key.
const SubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

const defaultTokenTTL = time.Hour

type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Without it only
	// subscription keys are accepted.
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *log.Logger
}

// Principal is the authenticated caller: always a subscription key.
type Principal struct {
	KeyID  string
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return defaultTokenTTL
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func signToken(secret, keyID string, issued, expires time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   keyID,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{KeyID: claims.Subject, Source: "jwt"}, nil
}

func authenticateSubscriptionKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("subscription key required")
	}
	k, err := r.GetSubscriptionKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{KeyID: k.ID, Source: "subscription_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware accepts a bearer token or a subscription key. A bearer
// token wins when both are sent.
func newAuthMiddleware(cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == healthPath || strings.HasPrefix(req.URL.Path, "/openapi") {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			key := strings.TrimSpace(req.Header.Get(SubscriptionKeyHeader))

			var (
				principal Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case key != "":
				principal, err = authenticateSubscriptionKey(req.Context(), r, key)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					cfg.logger().Printf("catalog auth rejected %s %s: %v", req.Method, req.URL.Path, err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// EnsureSubscriptionKey stores key under name unless it is already known.
func EnsureSubscriptionKey(ctx context.Context, r repo.Repo, name, key string) (repo.SubscriptionKey, error) {
	if strings.TrimSpace(key) == "" {
		return repo.SubscriptionKey{}, errors.New("subscription key required")
	}
	hash := repo.HashAPIKey(key)
	existing, err := r.GetSubscriptionKeyByHash(ctx, hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return repo.SubscriptionKey{}, err
	}
	k := repo.SubscriptionKey{ID: uuid.NewString(), Name: name, KeyHash: hash}
	if err := r.InsertSubscriptionKey(ctx, nil, k); err != nil {
		return repo.SubscriptionKey{}, err
	}
	return k, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
