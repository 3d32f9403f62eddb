package middleware

import (
	"net/http"
	"strings"
)

// NewSecurityHeadersMiddleware はJSON APIのレスポンスにセキュリティヘッダーを付与するミドルウェアを返す。
// /api 配下は服薬情報を含むため、中間キャッシュやブラウザキャッシュに保存させない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if strings.HasPrefix(r.URL.Path, "/api/") {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}
			next.ServeHTTP(w, r)
		})
	}
}
