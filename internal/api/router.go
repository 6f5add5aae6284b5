// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/middleware"
)

// Router wires handlers and middleware into a chi mux.
type Router struct {
	handler       *Handler
	authn         *auth.Middleware
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router. mw may be nil, in which case the defaults
// apply.
func NewRouter(h *Handler, mw *ChiMiddleware, authn *auth.Middleware) *Router {
	if mw == nil {
		mw = NewChiMiddleware(DefaultChiMiddlewareConfig())
	}
	return &Router{handler: h, authn: authn, chiMiddleware: mw}
}

// Handler builds the HTTP handler.
func (router *Router) Handler() http.Handler {
	h := router.handler
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", h.Health)
	r.Get("/api/v1/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.authn.Authenticate)

		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			r.Get("/me", h.Me)
			r.Get("/me/subscription", h.Subscription)
			r.Get("/oauth/{provider}/authorize", h.OAuthAuthorize)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/ws", h.WebSocket)

			r.Get("/projects", h.ListProjects)
			r.Post("/projects", h.CreateProject)
			r.Route("/projects/{"+authz.ProjectIDParam+"}", router.projectRoutes)
		})
	})

	return r
}

// projectRoutes registers everything scoped to one project. Each route
// carries the permission it needs.
func (router *Router) projectRoutes(r chi.Router) {
	h := router.handler
	perm := h.Authz.RequireProjectPermission
	read, write, del := authz.ActionRead, authz.ActionWrite, authz.ActionDelete

	r.With(perm(authz.ResourceProject, read)).Get("/", h.GetProject)
	r.With(perm(authz.ResourceProject, write)).Patch("/", h.UpdateProject)
	r.With(perm(authz.ResourceProject, del)).Delete("/", h.DeleteProject)

	r.Route("/members", func(r chi.Router) {
		r.With(perm(authz.ResourceMembers, read)).Get("/", h.ListMembers)
		r.With(perm(authz.ResourceMembers, write)).Post("/", h.AddMember)
		r.With(perm(authz.ResourceMembers, del)).Delete("/{userID}", h.RemoveMember)
	})
	r.With(perm(authz.ResourceMembers, write)).Get("/audit", h.ListAuditEvents)

	r.Route("/data-sources", func(r chi.Router) {
		r.With(perm(authz.ResourceDataSources, read)).Get("/", h.ListDataSources)
		r.With(perm(authz.ResourceDataSources, write)).Post("/", h.CreateDataSource)
		r.Route("/{dsID}", func(r chi.Router) {
			r.With(perm(authz.ResourceDataSources, read)).Get("/", h.GetDataSource)
			r.With(perm(authz.ResourceDataSources, write)).Patch("/", h.UpdateDataSource)
			r.With(perm(authz.ResourceDataSources, del)).Delete("/", h.DeleteDataSource)
			r.With(perm(authz.ResourceSyncs, write)).Post("/sync", h.TriggerSync)
			r.With(perm(authz.ResourceSyncs, read)).Get("/runs", h.ListSyncRuns)
			r.With(perm(authz.ResourceDataSources, write)).Post("/upload", h.Upload)
		})
	})

	r.Route("/tables", func(r chi.Router) {
		r.Use(perm(authz.ResourceTables, read))
		r.Get("/", h.ListTables)
		r.Get("/{tableID}/preview", h.PreviewTable)
	})

	r.Route("/data-models", func(r chi.Router) {
		r.With(perm(authz.ResourceDataModels, read)).Get("/", h.ListDataModels)
		r.With(perm(authz.ResourceDataModels, write)).Post("/", h.CreateDataModel)
		r.Route("/{modelID}", func(r chi.Router) {
			r.With(perm(authz.ResourceDataModels, read)).Get("/", h.GetDataModel)
			r.With(perm(authz.ResourceDataModels, write)).Patch("/", h.UpdateDataModel)
			r.With(perm(authz.ResourceDataModels, del)).Delete("/", h.DeleteDataModel)
			r.With(perm(authz.ResourceDataModels, read)).Post("/execute", h.ExecuteDataModel)
			r.With(perm(authz.ResourceDataModels, write)).Post("/refresh", h.RefreshDataModel)
		})
	})

	r.Route("/dashboards", func(r chi.Router) {
		r.With(perm(authz.ResourceDashboards, read)).Get("/", h.ListDashboards)
		r.With(perm(authz.ResourceDashboards, write)).Post("/", h.CreateDashboard)
		r.Route("/{dashboardID}", func(r chi.Router) {
			r.With(perm(authz.ResourceDashboards, read)).Get("/", h.GetDashboard)
			r.With(perm(authz.ResourceDashboards, write)).Patch("/", h.UpdateDashboard)
			r.With(perm(authz.ResourceDashboards, del)).Delete("/", h.DeleteDashboard)
			r.With(perm(authz.ResourceDashboards, read)).Get("/widgets/{widgetID}/data", h.WidgetData)
		})
	})

	r.Route("/analyses", func(r chi.Router) {
		r.With(perm(authz.ResourceAnalyses, read)).Get("/", h.ListAnalyses)
		r.With(perm(authz.ResourceAnalyses, write)).Post("/", h.CreateAnalysis)
	})
}
