// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/models"
)

// dataModel loads {modelID} and checks it belongs to {projectID}.
func (h *Handler) dataModel(w http.ResponseWriter, r *http.Request) (*models.DataModel, bool) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	id, err := pathID(r, "modelID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	m, err := h.DataModels.Get(r.Context(), id)
	if err == nil && m.ProjectID != projectID {
		err = database.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return m, true
}

// ListDataModels returns the project's data models.
func (h *Handler) ListDataModels(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.DataModels.List(r.Context(), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, list)
}

// CreateDataModel compiles and stores a data model.
func (h *Handler) CreateDataModel(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req DataModelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m := &models.DataModel{
		ProjectID:    projectID,
		Name:         req.Name,
		SQL:          req.SQL,
		Materialized: req.Materialized,
		CreatedBy:    userID(r),
	}
	if err := h.DataModels.Create(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Created(m)
}

// GetDataModel returns one data model.
func (h *Handler) GetDataModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.dataModel(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, m)
}

// UpdateDataModel applies a partial update.
func (h *Handler) UpdateDataModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.dataModel(w, r)
	if !ok {
		return
	}
	var req DataModelPatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil {
		m.Name = *req.Name
	}
	if req.SQL != nil {
		m.SQL = *req.SQL
	}
	if req.Materialized != nil {
		m.Materialized = *req.Materialized
	}
	if err := h.DataModels.Update(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, m)
}

// DeleteDataModel removes a data model and its materialized table.
func (h *Handler) DeleteDataModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.dataModel(w, r)
	if !ok {
		return
	}
	if err := h.DataModels.Delete(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).NoContent()
}

// ExecuteDataModel runs the model read-only. The limit comes from the
// optional body or the limit query parameter.
func (h *Handler) ExecuteDataModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.dataModel(w, r)
	if !ok {
		return
	}
	var req ExecuteRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = intQuery(r, "limit", 0, 10000)
	}
	res, err := h.DataModels.Execute(r.Context(), m, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, res)
}

// RefreshDataModel re-materializes a materialized model.
func (h *Handler) RefreshDataModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.dataModel(w, r)
	if !ok {
		return
	}
	if err := h.DataModels.Refresh(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, m)
}

// dashboard loads {dashboardID} and checks it belongs to {projectID}.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) (*models.Dashboard, bool) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	id, err := pathID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	d, err := h.Dashboards.Get(r.Context(), id)
	if err == nil && d.ProjectID != projectID {
		err = database.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return d, true
}

// ListDashboards returns the project's dashboards.
func (h *Handler) ListDashboards(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.Dashboards.List(r.Context(), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, list)
}

// CreateDashboard validates widgets against their data models and stores
// the dashboard.
func (h *Handler) CreateDashboard(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req DashboardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d := &models.Dashboard{ProjectID: projectID, Name: req.Name, Widgets: req.Widgets, CreatedBy: userID(r)}
	if err := h.Dashboards.Create(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Created(d)
}

// GetDashboard returns one dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, d)
}

// UpdateDashboard renames a dashboard or replaces its widgets.
func (h *Handler) UpdateDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	var req DashboardPatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.Widgets != nil {
		d.Widgets = *req.Widgets
	}
	if err := h.Dashboards.Update(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, d)
}

// DeleteDashboard removes a dashboard.
func (h *Handler) DeleteDashboard(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	if err := h.Dashboards.Delete(r.Context(), d.ID); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).NoContent()
}

// WidgetData returns the aggregated series for one widget.
func (h *Handler) WidgetData(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dashboard(w, r)
	if !ok {
		return
	}
	data, err := h.Dashboards.WidgetData(r.Context(), d, chi.URLParam(r, "widgetID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, data)
}

// ListAnalyses returns the project's recent analyses.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.Analyses == nil {
		WriteError(w, r, http.StatusServiceUnavailable, ErrCodeServiceDisabled, "AI analyses are disabled")
		return
	}
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.Analyses.List(r.Context(), projectID, intQuery(r, "limit", 20, 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, list)
}

// CreateAnalysis asks the AI model a question about a data model.
func (h *Handler) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.Analyses == nil || !h.Analyses.Enabled() {
		WriteError(w, r, http.StatusServiceUnavailable, ErrCodeServiceDisabled, "AI analyses are disabled")
		return
	}
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.Analyses.Analyze(r.Context(), userID(r), projectID, req.DataModelID, req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Created(a)
}
