package tenants

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
)

type tenantContextKey struct{}

// ContextWithTenant stores the resolved tenant in context.
func ContextWithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// FromContext returns the tenant resolved for the request.
func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey{}).(Tenant)
	return t, ok
}

// CandidateSites lists the hosts a request may have been addressed to, most specific first.
func CandidateSites(r *http.Request) []string {
	var sites []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		if host, _, err := net.SplitHostPort(raw); err == nil {
			raw = host
		}
		raw = strings.ToLower(raw)
		for _, s := range sites {
			if s == raw {
				return
			}
		}
		sites = append(sites, raw)
	}
	add(r.Header.Get("X-Forwarded-Host"))
	add(r.Header.Get("X-Original-Host"))
	for _, h := range []string{"Origin", "Referer"} {
		if u, err := url.Parse(r.Header.Get(h)); err == nil {
			add(u.Host)
		}
	}
	add(r.Host)
	return sites
}

// Middleware resolves the tenant from the request host. fallback, when set,
// is tried last for local development.
func Middleware(store Store, fallback string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sites := CandidateSites(r)
			if fallback != "" {
				sites = append(sites, fallback)
			}
			for _, site := range sites {
				t, err := store.FindBySite(r.Context(), site)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), t)))
					return
				}
				if !errors.Is(err, shared.ErrNotFound) {
					httpx.Fail(w, r, logger, err)
					return
				}
			}
			logger.WarnContext(r.Context(), "no tenant for request", slog.Any("sites", sites))
			httpx.RespondError(w, ErrUnknownSite)
		})
	}
}
