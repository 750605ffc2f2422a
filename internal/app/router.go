package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warocol/purchasing/internal/auth"
	"github.com/warocol/purchasing/internal/ingredients"
	"github.com/warocol/purchasing/internal/observability"
	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/portal"
	"github.com/warocol/purchasing/internal/purchasing"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/suppliers"
	"github.com/warocol/purchasing/internal/tenants"
	"github.com/warocol/purchasing/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SessionManager     *shared.SessionManager
	Tenants            tenants.Store
	AuthHandler        *auth.Handler
	PurchasingHandler  *purchasing.Handler
	PortalHandler      *portal.Handler
	SuppliersHandler   *suppliers.Handler
	IngredientsHandler *ingredients.Handler
	TenantsHandler     *tenants.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with the service defaults.
//
// Three route groups exist: the public supplier portal, authenticated by the
// token in its path; the auth endpoints, which need a tenant and a session;
// and the staff API, which also needs a bound identity.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	if params.PortalHandler != nil {
		params.PortalHandler.MountRoutes(r)
	}

	devSite := ""
	if params.Config != nil && !params.Config.IsProduction() {
		devSite = params.Config.DevTenantSite
	}

	r.Group(func(r chi.Router) {
		r.Use(tenants.Middleware(params.Tenants, devSite, params.Logger))
		r.Use(auth.Sessions(params.SessionManager, params.Logger))

		if params.AuthHandler != nil {
			params.AuthHandler.MountRoutes(r)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireIdentity)
			if params.PurchasingHandler != nil {
				params.PurchasingHandler.MountRoutes(r)
			}
			if params.SuppliersHandler != nil {
				params.SuppliersHandler.MountRoutes(r)
			}
			if params.IngredientsHandler != nil {
				params.IngredientsHandler.MountRoutes(r)
			}
			if params.TenantsHandler != nil {
				params.TenantsHandler.MountRoutes(r)
			}
			if params.JobHandler != nil {
				params.JobHandler.MountRoutes(r)
			}
		})
	})

	return r
}
