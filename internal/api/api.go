package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tenant-provisioner/internal/auth"
	"tenant-provisioner/internal/config"
	"tenant-provisioner/internal/manager"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// TenantService is implemented by manager.TenantManager.
type TenantService interface {
	Onboard(ctx context.Context, in manager.OnboardInput) (*model.Tenant, error)
	UpdateProfile(ctx context.Context, in manager.ProfileInput) (*model.Tenant, error)
	Offboard(ctx context.Context, id string) (*model.Tenant, error)
	Suspend(ctx context.Context, id string) (*model.Tenant, error)
	Activate(ctx context.Context, id string) (*model.Tenant, error)
	Get(ctx context.Context, id string) (*model.Tenant, error)
	List(ctx context.Context, f registry.Filter) ([]model.Tenant, error)
	ProvisioningStatus(ctx context.Context, id string) (*manager.Status, error)
	SetWorkerCount(queue string, n int) error
}

type API struct {
	TenantMgr TenantService
	Cfg       *config.Config
	Routers   chi.Router
	limiter   *RateLimiter
}

func NewAPI(tm TenantService, cfg *config.Config) *API {
	return &API{
		TenantMgr: tm,
		Cfg:       cfg,
		Routers:   chi.NewRouter(),
		limiter:   NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}
}

func (a *API) Router() http.Handler {
	a.Routers.Use(middleware.RequestID)
	a.Routers.Use(middleware.Recoverer)
	a.Routers.Use(LoggingMiddleware)

	// Public
	a.Routers.Get("/healthz", a.Health)
	a.Routers.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Secured
	a.Routers.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(a.limiter))
		r.Use(auth.JWTAuthMiddleware)

		r.Get("/tenants", a.ListTenants)
		r.Get("/tenants/{id}", a.GetTenant)
		r.Post("/tenants/onboard", a.OnboardTenant)
		r.Put("/tenants/onboard", a.UpdateTenant)
		r.Delete("/tenants/offboard", a.OffboardTenant)
		r.Put("/tenants/suspend", a.SuspendTenant)
		r.Put("/tenants/activate", a.ActivateTenant)
		r.Get("/tenants/provisioning-status/{id}", a.ProvisioningStatus)
		r.Put("/workers/concurrency", a.UpdateConcurrency)
	})

	return a.Routers
}
