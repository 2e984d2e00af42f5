package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/authn"
	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/logging"
)

type identityKey struct{}

// identityFrom returns the authenticated identity placed by requireAuth.
func identityFrom(ctx context.Context) (authn.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(authn.Identity)
	return id, ok
}

// requireAuth verifies the bearer token and stores the caller identity on the
// request context.
func requireAuth(verifier *authn.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := authn.BearerFromHeader(r.Header.Get("Authorization"))
		id, err := verifier.Authenticate(bearer)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// requireAdminKey guards operator endpoints with the shared admin key.
func requireAdminKey(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
			writeError(w, r, fault.New(fault.Unauthenticated, "admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestLogging tags each request with a correlation ID and logs its
// outcome.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		log.Debug().
			Str("requestId", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
