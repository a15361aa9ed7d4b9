package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/onkernel/hypestack/lib/logger"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	claimsKey contextKey = "claims"
)

// VerifyJWT validates JWT tokens and extracts user ID. An empty secret
// disables authentication, which is the default for a local daemon.
func VerifyJWT(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtSecret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.WarnContext(r.Context(), "missing authorization header")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			token, err := extractBearerToken(authHeader)
			if err != nil {
				log.WarnContext(r.Context(), "invalid authorization header", "error", err)
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			parsedToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil {
				log.WarnContext(r.Context(), "failed to parse JWT", "error", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			if !parsedToken.Valid {
				log.WarnContext(r.Context(), "invalid JWT token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			var userID string
			if sub, ok := claims["sub"].(string); ok {
				userID = sub
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthorizeUnit rejects requests for a {unit} route parameter that the
// token's "units" claim does not list. Tokens without the claim, and
// unauthenticated requests when VerifyJWT is disabled, may act on any unit.
func AuthorizeUnit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unit := chi.URLParam(r, "unit")
		claims, ok := r.Context().Value(claimsKey).(jwt.MapClaims)
		if unit == "" || !ok {
			next.ServeHTTP(w, r)
			return
		}
		raw, scoped := claims["units"]
		if !scoped {
			next.ServeHTTP(w, r)
			return
		}
		if !slices.Contains(claimStrings(raw), unit) {
			logger.FromContext(r.Context()).WarnContext(r.Context(), "unit not permitted by token",
				"unit", unit, "user_id", GetUserIDFromContext(r.Context()))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// claimStrings accepts a claim encoded either as a string or a list of strings.
func claimStrings(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// extractBearerToken extracts the token from "Bearer <token>" format
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid authorization header format")
	}

	scheme := strings.ToLower(parts[0])
	if scheme != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme: %s", scheme)
	}

	return parts[1], nil
}

// GetUserIDFromContext extracts the user ID from context
func GetUserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}
