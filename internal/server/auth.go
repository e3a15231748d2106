package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"trustline/internal/authz"
	"trustline/internal/domain"
	"trustline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	SystemKey string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p authz.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(authz.Principal)
	return p, ok
}

func requirePrincipal(ctx context.Context) (authz.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && (p.ID != "" || p.System) {
		return p, nil
	}
	return authz.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(token, secret string) (authz.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return authz.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return authz.Principal{}, err
	}
	if !parsed.Valid {
		return authz.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return authz.Principal{}, errors.New("subject claim required")
	}
	role, ok := domain.ParseRole(claims.Role)
	if !ok {
		return authz.Principal{}, errors.New("unknown role claim")
	}
	return authz.Principal{
		ID:     claims.Subject,
		Role:   role,
		Source: "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (authz.Principal, error) {
	hash := repo.HashAPIKey(key)
	apiKey, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return authz.Principal{}, err
	}
	return authz.Principal{
		ID:     apiKey.AgentID,
		Role:   domain.RoleAgent,
		Source: "api_key",
	}, nil
}

// authenticateSystemKey compares the presented credential in constant time.
func authenticateSystemKey(key, configured string) (authz.Principal, error) {
	if strings.TrimSpace(configured) == "" {
		return authz.Principal{}, errors.New("system key not configured")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(configured)) != 1 {
		return authz.Principal{}, errors.New("invalid system key")
	}
	return authz.Principal{
		ID:     "system",
		Role:   domain.RoleSystem,
		System: true,
		Source: "system_key",
	}, nil
}

func bearerToken(authorization string) (string, bool) {
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller's principal before any handler
// runs. An unauthenticated request is rejected with 401 without revealing
// whether the addressed case exists.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authorization := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			systemKeyHeader := strings.TrimSpace(req.Header.Get("X-System-Key"))

			if systemKeyHeader != "" {
				principal, err := authenticateSystemKey(systemKeyHeader, cfg.SystemKey)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if authorization != "" {
				token, ok := bearerToken(authorization)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
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
