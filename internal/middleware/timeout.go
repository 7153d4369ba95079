package middleware

import (
	"context"
	"net/http"
	"time"
)

// NewTimeoutMiddleware はリクエストコンテキストに上限時間を設定する
// ミドルウェアを生成する。ストア・キャッシュ・IdPへの下流呼び出しは
// このコンテキストを引き継ぐため、期限超過時はまとめて打ち切られる。
// timeoutが0以下の場合は何もしない。
func NewTimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
