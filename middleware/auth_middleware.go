package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"go-voice/client/utils"
)

// JWTMiddleware 驗證 JWT Token 並將使用者 ID 放入 context
// 用來保護本機控制/診斷介面，token 與上傳端點用的是同一把。
func JWTMiddleware(jwtSecret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Authorization: Bearer <token>
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		tokenString := parts[1]

		userID, err := utils.GetUserIDFromToken(tokenString, jwtSecret)
		if err != nil {
			log.Printf("Invalid JWT token: %v", err)
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		// 將使用者 ID 存儲到請求的 context 中
		ctx := context.WithValue(r.Context(), utils.UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
