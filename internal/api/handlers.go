package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tenant-provisioner/internal/auth"
	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/manager"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// ConcurrencyConfig is the body of PUT /workers/concurrency.
type ConcurrencyConfig struct {
	Queue   string `json:"queue"`
	Workers int    `json:"workers"`
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, "ok", nil)
}

func (a *API) ListTenants(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	tenants, err := a.TenantMgr.List(r.Context(), f)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "tenants listed", tenants)
}

func parseFilter(r *http.Request) (registry.Filter, error) {
	q := r.URL.Query()
	var f registry.Filter
	if s := q.Get("state"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.States = append(f.States, model.State(strings.TrimSpace(st)))
		}
	}
	if s := q.Get("tier"); s != "" {
		tier, err := model.ParseTier(s)
		if err != nil {
			return f, errs.Configuration(err.Error()).WithOp("list")
		}
		f.Tier = tier
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errs.Configuration("limit must be a non-negative integer").WithOp("list")
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.TenantMgr.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "tenant found", t)
}

func (a *API) OnboardTenant(w http.ResponseWriter, r *http.Request) {
	var in manager.OnboardInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondErr(w, r, errs.Configuration("bad request body").WithOp("onboard").WithCause(err))
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy = auth.GetSubject(r)
	}

	t, err := a.TenantMgr.Onboard(r.Context(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusAccepted, "tenant onboarding started", t)
}

func (a *API) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var in manager.ProfileInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondErr(w, r, errs.Configuration("bad request body").WithOp("update_profile").WithCause(err))
		return
	}
	t, err := a.TenantMgr.UpdateProfile(r.Context(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "tenant updated", t)
}

func (a *API) OffboardTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.TenantMgr.Offboard(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusAccepted, "tenant offboarding started", t)
}

func (a *API) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.TenantMgr.Suspend(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "tenant suspended", t)
}

func (a *API) ActivateTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.TenantMgr.Activate(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "tenant activated", t)
}

func (a *API) ProvisioningStatus(w http.ResponseWriter, r *http.Request) {
	s, err := a.TenantMgr.ProvisioningStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "provisioning status", s)
}

// UpdateConcurrency rescales the worker pool of an execution queue.
func (a *API) UpdateConcurrency(w http.ResponseWriter, r *http.Request) {
	var body ConcurrencyConfig
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, r, errs.Configuration("bad request body").WithOp("set_worker_count").WithCause(err))
		return
	}
	if body.Queue == "" {
		body.Queue = a.Cfg.RabbitMQ.Queue
	}
	if err := a.TenantMgr.SetWorkerCount(body.Queue, body.Workers); err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "worker pool rescaled", body)
}
