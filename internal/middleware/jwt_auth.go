package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenValidator проверяет bearer-токен и возвращает user_id.
type TokenValidator interface {
	ValidateUserID(token string) (string, error)
}

// JWTAuth проверяет Authorization: Bearer <token> (или ?token= для
// WebSocket, где браузер не может выставить заголовок) и кладёт user_id
// в контекст запроса.
func JWTAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := validator.ValidateUserID(token)
			if err != nil || userID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
