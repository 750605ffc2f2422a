package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/tenants"
)

type responseWriterWithCommit struct {
	http.ResponseWriter
	sess          *shared.Session
	manager       *shared.SessionManager
	ctx           context.Context
	logger        *slog.Logger
	headerWritten bool
}

func (w *responseWriterWithCommit) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.headerWritten = true
		if err := w.manager.Commit(w.ctx, w.ResponseWriter, w.sess); err != nil {
			w.logger.ErrorContext(w.ctx, "commit session", slog.Any("error", err))
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWithCommit) Write(data []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

// Sessions loads the cookie session into the request context and commits it
// before the response header goes out. A bound session also sets the identity.
func Sessions(manager *shared.SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sess, err := manager.Load(ctx, r)
			if err != nil {
				logger.ErrorContext(ctx, "failed to load session", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			ctx = shared.ContextWithSession(ctx, sess)
			if id, err := sess.Identity(); err == nil {
				ctx = shared.ContextWithIdentity(ctx, id)
			}
			wrapped := &responseWriterWithCommit{
				ResponseWriter: w,
				sess:           sess,
				manager:        manager,
				ctx:            ctx,
				logger:         logger,
			}
			next.ServeHTTP(wrapped, r.WithContext(ctx))
		})
	}
}

// RequireIdentity rejects requests without a bound session. When the request
// also resolved a tenant, the session must belong to it.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := shared.IdentityFromContext(r.Context())
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if t, ok := tenants.FromContext(r.Context()); ok && t.ID != id.TenantID {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}
