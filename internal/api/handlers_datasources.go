// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/tiers"
	"github.com/tomtom215/marketscope/internal/uploads"
	"github.com/tomtom215/marketscope/internal/validation"
)

// multipartOverhead is the allowance for multipart framing on uploads.
const multipartOverhead = 1 << 20

// ListDataSources returns the project's data sources.
func (h *Handler) ListDataSources(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sources, err := h.Store.ListDataSources(r.Context(), database.DataSourceFilter{ProjectID: projectID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	WriteSuccess(w, r, sources)
}

// CreateDataSource validates the connector config against the driver and
// the tier, seals any credentials and schedules the source.
func (h *Handler) CreateDataSource(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := DataSourceRequest{Schedule: models.Schedule{Kind: models.ScheduleManual}}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.Schedule.Validate(); err != nil {
		writeError(w, r, validation.NewError("schedule", err.Error()))
		return
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}

	ctx := r.Context()
	if err := h.Limits.CheckProject(ctx, projectID, tiers.ResourceDataSources); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Limits.CheckSourceType(ctx, projectID, req.Type); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Validator.ValidateConfig(req.Type, req.Config); err != nil {
		writeError(w, r, err)
		return
	}

	ds := &models.DataSource{
		ProjectID: projectID,
		Name:      req.Name,
		Type:      req.Type,
		Config:    req.Config,
		Schedule:  req.Schedule,
		Status:    models.StatusIdle,
		Connected: !req.Type.IsOAuth(),
	}
	if req.Credentials != nil {
		sealed, err := h.sealCredentials(ds, oauth.StoredCredentials{}, req.Credentials)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ds.Credentials = sealed
	}
	ds.Schedule = h.Limits.ClampSchedule(ctx, ds)

	if err := h.Store.CreateDataSource(ctx, ds); err != nil {
		writeError(w, r, err)
		return
	}
	h.Scheduler.Reschedule(ctx, ds)
	logging.Ctx(ctx).Info().Int64("data_source_id", ds.ID).Str("type", string(ds.Type)).Msg("Data source created")
	if req.Credentials != nil {
		h.Audit.LogCredentials(r, actor(r), ds.ProjectID, ds.ID, ds.Name, "api")
	}
	NewResponseWriter(w, r).Created(ds)
}

// sealCredentials merges req into existing and seals the result. OAuth
// sources only receive tokens through the OAuth callback.
func (h *Handler) sealCredentials(ds *models.DataSource, existing oauth.StoredCredentials, req *CredentialsRequest) ([]byte, error) {
	if ds.Type.IsOAuth() {
		return nil, validation.NewError("credentials", "OAuth sources are connected through the authorize endpoint")
	}
	if h.Sealer == nil {
		return nil, oauth.ErrEncryptionKeyMissing
	}
	if req.APIKey != "" {
		existing.APIKey = req.APIKey
	}
	if len(req.Secrets) > 0 {
		if existing.Secrets == nil {
			existing.Secrets = make(map[string]string, len(req.Secrets))
		}
		for k, v := range req.Secrets {
			existing.Secrets[k] = v
		}
	}
	return h.Sealer.SealCredentials(existing)
}

// dataSource loads {dsID} and checks it belongs to {projectID}.
func (h *Handler) dataSource(w http.ResponseWriter, r *http.Request) (*models.DataSource, bool) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	id, err := pathID(r, "dsID")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	ds, err := h.Store.GetDataSource(r.Context(), id)
	if err == nil && ds.ProjectID != projectID {
		err = database.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return ds, true
}

// GetDataSource returns one data source.
func (h *Handler) GetDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, ds)
}

// UpdateDataSource applies a partial update and reschedules the source.
func (h *Handler) UpdateDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	var req DataSourcePatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	if req.Name != nil {
		ds.Name = *req.Name
	}
	if req.Config != nil {
		if err := h.Validator.ValidateConfig(ds.Type, req.Config); err != nil {
			writeError(w, r, err)
			return
		}
		ds.Config = req.Config
	}
	if req.Schedule != nil {
		if err := req.Schedule.Validate(); err != nil {
			writeError(w, r, validation.NewError("schedule", err.Error()))
			return
		}
		ds.Schedule = *req.Schedule
		ds.Schedule = h.Limits.ClampSchedule(ctx, ds)
	}
	if req.Enabled != nil {
		switch {
		case !*req.Enabled:
			ds.Status = models.StatusDisabled
		case ds.Status == models.StatusDisabled:
			ds.Status = models.StatusIdle
		}
	}

	if req.Credentials != nil {
		var existing oauth.StoredCredentials
		if h.Sealer != nil {
			var err error
			if existing, err = h.Sealer.OpenCredentials(ds.Credentials); err != nil {
				writeError(w, r, err)
				return
			}
		}
		sealed, err := h.sealCredentials(ds, existing, req.Credentials)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := h.Store.UpdateCredentials(ctx, ds.ID, sealed, true); err != nil {
			writeError(w, r, err)
			return
		}
		ds.Credentials, ds.Connected = sealed, true
		h.Audit.LogCredentials(r, actor(r), ds.ProjectID, ds.ID, ds.Name, "api")
	}

	if err := h.Store.UpdateDataSource(ctx, ds); err != nil {
		writeError(w, r, err)
		return
	}
	if ds.Status == models.StatusDisabled {
		h.Scheduler.Unschedule(ds.ID)
	} else {
		h.Scheduler.Reschedule(ctx, ds)
	}
	WriteSuccess(w, r, ds)
}

// DeleteDataSource unschedules the source, drops its warehouse tables and
// deletes it. A source with a sync in flight answers 409 SYNC_IN_PROGRESS.
func (h *Handler) DeleteDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	release, err := h.holdSources(r.Context(), *ds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()
	if err := h.removeDataSource(r, ds); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).NoContent()
}

// holdSources takes the sync lock of every source so no run writes
// warehouse tables while they are dropped. It fails with
// scheduler.ErrSyncInProgress, holding nothing, if any source is syncing.
func (h *Handler) holdSources(ctx context.Context, sources ...models.DataSource) (release func(), err error) {
	var held []func()
	release = func() {
		for _, fn := range held {
			fn()
		}
	}
	for i := range sources {
		fn, err := h.Scheduler.Hold(ctx, sources[i].ID)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, fn)
	}
	return release, nil
}

// removeDataSource must run while holdSources holds the source.
func (h *Handler) removeDataSource(r *http.Request, ds *models.DataSource) error {
	ctx := r.Context()
	h.Scheduler.Unschedule(ds.ID)
	if err := h.Tables.DeleteByDataSource(ctx, ds.ID); err != nil {
		return err
	}
	if ds.Type.IsFile() && h.Uploads != nil {
		if err := h.Uploads.Delete(ctx, ds.ID); err != nil && !errors.Is(err, uploads.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Int64("data_source_id", ds.ID).Msg("Failed to delete staged uploads")
		}
	}
	if err := h.Store.DeleteDataSource(ctx, ds.ID); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().Int64("data_source_id", ds.ID).Msg("Data source deleted")
	h.Audit.LogDataSourceDeleted(r, actor(r), ds.ProjectID, ds.ID, ds.Name)
	return nil
}

// SyncAccepted is the body of a 202 sync response.
type SyncAccepted struct {
	DataSourceID int64               `json:"data_source_id"`
	Status       models.SourceStatus `json:"status"`
	Trigger      models.SyncTrigger  `json:"trigger"`
}

// TriggerSync queues an immediate sync. A source already running or queued
// answers 409 SYNC_IN_PROGRESS.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	if ds.Status == models.StatusDisabled {
		writeError(w, r, validation.NewError("status", "data source is disabled"))
		return
	}
	if ds.Type.IsOAuth() && !ds.Connected {
		writeError(w, r, drivers.ErrNotConnected)
		return
	}
	if err := h.Scheduler.TriggerSync(r.Context(), ds.ID, models.TriggerManual); err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Accepted(SyncAccepted{DataSourceID: ds.ID, Status: models.StatusQueued, Trigger: models.TriggerManual})
}

// ListSyncRuns returns the source's recent runs, newest first.
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	limit := intQuery(r, "limit", 50, 500)
	runs, err := h.Store.ListSyncRuns(r.Context(), database.SyncRunFilter{DataSourceID: ds.ID, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewResponseWriter(w, r).SuccessWithPagination(runs, &PaginationMeta{
		Count:   len(runs),
		Limit:   limit,
		HasMore: len(runs) == limit,
	})
}

// UploadResponse is the body of a 202 upload response.
type UploadResponse struct {
	Upload     uploads.Upload `json:"upload"`
	SyncQueued bool           `json:"sync_queued"`
}

// Upload stages a multipart "file" part for a file source and queues a
// sync to load it. The body is streamed into the staging store.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.Uploads == nil {
		WriteError(w, r, http.StatusServiceUnavailable, ErrCodeServiceDisabled, "Uploads are not enabled")
		return
	}
	ds, ok := h.dataSource(w, r)
	if !ok {
		return
	}
	if !ds.Type.IsFile() {
		writeError(w, r, validation.NewError("type", "data source does not accept uploads"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Uploads.MaxBytes()+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, validation.NewError("file", "expected a multipart/form-data body"))
		return
	}

	var staged *uploads.Upload
	for staged == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, r, uploadReadError(err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		if !uploads.ExtensionAllowed(ds.Type, part.FileName()) {
			_ = part.Close()
			writeError(w, r, uploads.ErrFileType)
			return
		}
		up, err := h.Uploads.Put(r.Context(), ds.ID, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			writeError(w, r, uploadReadError(err))
			return
		}
		staged = &up
	}
	if staged == nil {
		writeError(w, r, validation.NewError("file", "multipart field \"file\" is required"))
		return
	}

	resp := UploadResponse{Upload: *staged, SyncQueued: true}
	if err := h.Scheduler.TriggerSync(r.Context(), ds.ID, models.TriggerUpload); err != nil {
		if !errors.Is(err, scheduler.ErrSyncInProgress) {
			writeError(w, r, err)
			return
		}
		resp.SyncQueued = false
	}
	logging.Ctx(r.Context()).Info().Int64("data_source_id", ds.ID).Int64("bytes", staged.Size).
		Bool("sync_queued", resp.SyncQueued).Msg("Upload staged")
	NewResponseWriter(w, r).Accepted(resp)
}

func uploadReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return uploads.ErrTooLarge
	}
	return err
}
