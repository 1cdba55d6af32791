// Package auth implements bearer-token authentication for the gateway.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/handlers"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// Middleware returns HTTP middleware that requires "Authorization: Bearer
// <token>" on every request except probes, metrics and API docs. An empty
// token disables the check.
func Middleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Debug("Rejected request", "path", path, "has_token", ok)
				w.Header().Set("WWW-Authenticate", `Bearer realm="gridstore"`)
				handlers.WriteError(w, r, gerrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credentials of a Bearer Authorization header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, cred, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != ""
}
