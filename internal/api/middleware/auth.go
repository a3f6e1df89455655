package middleware

import (
	"context"
	"net/http"

	"gg_jobs_agent/internal/common"
	"gg_jobs_agent/internal/common/security"

	"github.com/go-chi/jwtauth/v5"
)

type contextKey string

const OperatorCtxKey contextKey = "operator"

// RequireOperator admits requests carrying a verified token with the operator
// role. It runs after jwtauth.Verifier and stores the token subject.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			common.RespondWithError(w, http.StatusUnauthorized, "operator token required")
			return
		}
		subject, err := security.GetSubjectFromClaims(claims)
		if err != nil {
			common.RespondWithError(w, http.StatusUnauthorized, "invalid token claims: "+err.Error())
			return
		}
		if role, _ := security.GetRoleFromClaims(claims); role != security.RoleOperator {
			common.RespondWithError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), OperatorCtxKey, subject)))
	})
}

func OperatorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(OperatorCtxKey).(string)
	return sub
}
