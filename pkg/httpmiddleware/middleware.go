// Package httpmiddleware contains net/http middlewares shared by the HTTP
// servers.
package httpmiddleware

import (
	"net/http"

	"github.com/go-faster/jx"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// writeError writes the standard error envelope used by the API.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("error_code", func(e *jx.Encoder) { e.Str(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		e.Field("http_status", func(e *jx.Encoder) { e.Int(status) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
