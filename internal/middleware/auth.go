// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authTokenHeader はBearer以外でトークンを渡す場合のヘッダー名。
const authTokenHeader = "x-auth-token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

var errNoToken = errors.New("認証トークンがありません")

// NewAuthMiddleware はHS256で署名されたJWTを検証するミドルウェアを返す。
// トークンは Authorization: Bearer ヘッダーまたは x-auth-token ヘッダーから取得する。
// クレームの user.id または sub を認証済みユーザーIDとしてコンテキストに注入する。
// トークンの発行は行わない。
func NewAuthMiddleware(secret string) func(next http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := tokenFromRequest(r)
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			}); err != nil {
				slog.Debug("invalid auth token",
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}

			userID := userIDFromClaims(claims)
			if userID == "" {
				WriteUnauthorized(w)
				return
			}

			if holder, ok := r.Context().Value(userIDHolderKey).(*userIDHolder); ok {
				holder.userID = userID
			}
			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromRequest はリクエストヘッダーからJWT文字列を取り出す。
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if token := strings.TrimSpace(r.Header.Get(authTokenHeader)); token != "" {
		return token, nil
	}
	return "", errNoToken
}

// userIDFromClaims は {"user": {"id": ...}} 形式、または sub クレームからユーザーIDを取り出す。
func userIDFromClaims(claims jwt.MapClaims) string {
	if user, ok := claims["user"].(map[string]interface{}); ok {
		if id, ok := user["id"].(string); ok && id != "" {
			return id
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		return sub
	}
	return ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
