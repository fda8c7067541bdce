package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/core"
)

// maxOwnerLen bounds the owner id accepted from the gateway header.
const maxOwnerLen = 255

// Owner returns middleware that reads the authenticated owner id from
// header and stores it in the request context. Authentication itself
// happens upstream; requests without the header are rejected.
func Owner(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(header))
			if owner == "" || len(owner) > maxOwnerLen {
				slog.Warn("auth: missing or invalid owner header",
					"header", header,
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"missing user identity","code":"SVC001"}`))
				return
			}

			if h, ok := r.Context().Value(ownerHolderKey{}).(*ownerHolder); ok {
				h.owner = owner
			}
			next.ServeHTTP(w, r.WithContext(core.ContextWithOwner(r.Context(), owner)))
		})
	}
}

// ownerHolder lets Logger, which runs outside Owner, report the owner id.
type ownerHolder struct{ owner string }

type ownerHolderKey struct{}

func withOwnerHolder(ctx context.Context, h *ownerHolder) context.Context {
	return context.WithValue(ctx, ownerHolderKey{}, h)
}
