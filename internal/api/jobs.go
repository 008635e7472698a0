package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/scheduler"
	"github.com/ARiSE-Lab/kGymSuite/internal/store"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type handler struct {
	store          *store.Store
	jobs           JobService
	deploymentName string
	logger         *zap.Logger
}

// paginated is the envelope every list endpoint returns.
type paginated[T any] struct {
	Page           []T   `json:"page"`
	PageSize       int   `json:"pageSize"`
	OffsetNextPage int   `json:"offsetNextPage"`
	Total          int64 `json:"total"`
}

func newPage[T any](items []T, skip int, total int64) paginated[T] {
	if items == nil {
		items = []T{}
	}
	return paginated[T]{
		Page:           items,
		PageSize:       len(items),
		OffsetNextPage: skip + len(items),
		Total:          total,
	}
}

// pageParams parses skip and pageSize, clamping pageSize to [1, 500].
func pageParams(r *http.Request) (skip, pageSize int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	if skip < 0 {
		skip = 0
	}
	pageSize, err := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if err != nil || pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return skip, pageSize
}

// jobIDParam parses the jobID path parameter. The route regex already
// constrains it to 8 lowercase hex characters.
func jobIDParam(r *http.Request) (types.JobID, error) {
	return types.ParseJobID(chi.URLParam(r, "jobID"))
}

// respondError maps backend errors onto HTTP statuses.
func (h *handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, store.ErrInvalidJob),
		errors.Is(err, store.ErrNotRestartable),
		errors.Is(err, store.ErrBadSortKey),
		errors.Is(err, scheduler.ErrBadStage):
		ErrBadRequest(w, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		ErrInternal(w)
	}
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	skip, pageSize := pageParams(r)
	sortBy := r.URL.Query().Get("sortBy")
	if sortBy == "" {
		sortBy = store.SortByModifiedTime
	}

	digests, total, err := h.store.ListDigests(r.Context(), sortBy, skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(digests, skip, total))
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, job)
}

func (h *handler) newJob(w http.ResponseWriter, r *http.Request) {
	var req types.JobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.jobs.CreateJob(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, id)
}

func (h *handler) abortJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	if err := h.jobs.AbortJob(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	NoContent(w)
}

func (h *handler) restartJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	fromStage := -1
	if raw := r.URL.Query().Get("restartFrom"); raw != "" {
		fromStage, err = strconv.Atoi(raw)
		if err != nil {
			ErrBadRequest(w, "restartFrom must be an integer")
			return
		}
	}

	if err := h.jobs.RestartJob(r.Context(), id, fromStage); err != nil {
		h.respondError(w, err)
		return
	}
	NoContent(w)
}

func (h *handler) jobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}

	skip, pageSize := pageParams(r)
	logs, total, err := h.store.JobLogs(r.Context(), id, skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(logs, skip, total))
}

func (h *handler) jobTags(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	tags, err := h.store.JobTags(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, tags)
}

func (h *handler) getJobTag(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	value, ok, err := h.store.GetJobTag(r.Context(), id, chi.URLParam(r, "tagKey"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, value)
}

func (h *handler) setJobTag(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	value := r.URL.Query().Get("tagValue")
	if value == "" {
		ErrBadRequest(w, "tagValue is required")
		return
	}
	if err := h.store.UpsertJobTag(r.Context(), id, chi.URLParam(r, "tagKey"), value); err != nil {
		h.respondError(w, err)
		return
	}
	NoContent(w)
}

func (h *handler) tagKeys(w http.ResponseWriter, r *http.Request) {
	skip, pageSize := pageParams(r)
	keys, total, err := h.store.TagKeys(r.Context(), skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(keys, skip, total))
}

func (h *handler) searchTags(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("tagKey")
	if key == "" {
		ErrBadRequest(w, "tagKey is required")
		return
	}
	var value *string
	if r.URL.Query().Has("tagValue") {
		v := r.URL.Query().Get("tagValue")
		value = &v
	}

	skip, pageSize := pageParams(r)
	matches, total, err := h.store.SearchTags(r.Context(), key, value, skip, pageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}
	Ok(w, newPage(matches, skip, total))
}
