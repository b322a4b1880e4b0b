package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the JWT role allowed on admin routes.
const RoleOperator = "operator"

// OperatorClaims are the claims an admin token carries.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type operatorKey struct{}

// operatorFrom returns the token subject set by requireOperator.
func operatorFrom(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey{}).(string)
	return sub
}

// requireOperator accepts HS256 bearer tokens with role=operator.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	secret := []byte(s.opts.AdminJWTSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(secret) == 0 {
			writeFailure(w, http.StatusServiceUnavailable, "admin API disabled")
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeFailure(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		claims := &OperatorClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeFailure(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Role != RoleOperator {
			writeFailure(w, http.StatusForbidden, "operator role required")
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
