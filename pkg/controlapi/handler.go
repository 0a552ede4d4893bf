// Package controlapi is the thin HTTP adapter that maps the job-control
// surface and the /amap proxy surface onto the credential pool, executor,
// crawl engine, and scheduler (spec.md §4.9, §6).
package controlapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/httpserver"
	"github.com/tomentu/poicrawler/internal/store"
	"github.com/tomentu/poicrawler/pkg/proxy"
)

// JobStore is the subset of internal/store.JobStore the control API needs.
type JobStore interface {
	Create(ctx context.Context, taskID, name, polygon string, priority int) (store.Job, error)
	Get(ctx context.Context, id int64) (store.Job, error)
	GetByTaskID(ctx context.Context, taskID string) (store.Job, error)
	ListIncomplete(ctx context.Context) ([]store.Job, error)
	ListCompleted(ctx context.Context) ([]store.Job, error)
	ListCompletedBetween(ctx context.Context, start, end time.Time) ([]store.Job, error)
	UpdatePriority(ctx context.Context, id int64, priority int) (bool, error)
	UpdateJobStatusIf(ctx context.Context, id int64, expectedFrom []store.Status, newStatus store.Status) (bool, error)
}

// Forwarder is the subset of pkg/proxy.Forwarder the control API needs.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, params url.Values) proxy.Response
}

// Executor is the subset of pkg/executor.Executor the control API needs.
type Executor interface {
	StopAll() []string
}

// Scheduler is the subset of pkg/scheduler.Scheduler the control API needs.
type Scheduler interface {
	CheckAndAdmit(ctx context.Context) error
	ResumeTasks(ctx context.Context, limit int) ([]string, error)
}

// Handler wires the job-control and proxy HTTP surfaces.
type Handler struct {
	jobs       JobStore
	forwarder  Forwarder
	executor   Executor
	scheduler  Scheduler
	clock      clock.Clock
	resultsDir string
}

// New creates a Handler.
func New(jobs JobStore, forwarder Forwarder, executor Executor, scheduler Scheduler, c clock.Clock, resultsDir string) *Handler {
	return &Handler{jobs: jobs, forwarder: forwarder, executor: executor, scheduler: scheduler, clock: c, resultsDir: resultsDir}
}

// ProxyRoutes returns the unauthenticated /amap/<endpoint> surface.
// <endpoint> is a multi-segment vendor path such as "v3/place/polygon"
// (spec.md §4.4 "Endpoint → kind mapping"), so the route captures the full
// remainder of the path via chi's wildcard.
func (h *Handler) ProxyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/*", h.handleProxy)
	r.Get("/*", h.handleProxy)
	return r
}

// Routes returns the job-control surface, meant to be mounted under the
// control API's (optionally authenticated) router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/polygon/tasks", func(r chi.Router) {
		r.Post("/", h.handleCreateTask)
		r.Get("/", h.handleListTasks)
		r.Get("/{taskID}", h.handleGetTask)
		r.Get("/{taskID}/result", h.handleGetResult)
		r.Post("/{taskID}/resume", h.handleResumeOne)
		r.Put("/{taskID}/priority", h.handleUpdatePriority)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/resume-batch", h.handleResumeBatch)
		r.Post("/start", h.handleStart)
		r.Post("/stop-all", h.handleStopAll)
		r.Get("/completed-by-date", h.handleCompletedByDate)
	})
	return r
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "*")
	if err := r.ParseForm(); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid query parameters")
		return
	}
	resp := h.forwarder.Forward(r.Context(), endpoint, r.Form)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type createTaskRequest struct {
	TaskID   string `json:"task_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Polygon  string `json:"polygon" validate:"required"`
	Priority *int   `json:"priority"`
}

type taskResponse struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

func (h *Handler) toTaskResponse(job store.Job) taskResponse {
	return taskResponse{
		TaskID:   job.TaskID,
		Name:     job.Name,
		Status:   job.DisplayStatus(h.clock.Now()),
		Priority: job.Priority,
	}
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	priority := 999
	if req.Priority != nil {
		priority = *req.Priority
	}

	if _, err := h.jobs.GetByTaskID(r.Context(), req.TaskID); err == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "duplicate_task", "a task with this task_id already exists")
		return
	}

	job, err := h.jobs.Create(r.Context(), req.TaskID, req.Name, req.Polygon, priority)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "creating task")
		return
	}
	httpserver.Respond(w, http.StatusCreated, h.toTaskResponse(job))
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}

	var jobs []store.Job
	var err error
	switch status {
	case "incomplete":
		jobs, err = h.jobs.ListIncomplete(r.Context())
	case "completed":
		jobs, err = h.jobs.ListCompleted(r.Context())
	case "all":
		var incomplete, completed []store.Job
		incomplete, err = h.jobs.ListIncomplete(r.Context())
		if err == nil {
			completed, err = h.jobs.ListCompleted(r.Context())
		}
		jobs = append(incomplete, completed...)
	default:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "status must be one of all, completed, incomplete")
		return
	}
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "listing tasks")
		return
	}

	params, err := parsePageParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	page := paginate(jobs, params)
	items := make([]taskResponse, 0, len(page.items))
	for _, j := range page.items {
		items = append(items, h.toTaskResponse(j))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, httpserver.OffsetParams{
		Page: params.page, PageSize: params.perPage, Offset: (params.page - 1) * params.perPage,
	}, len(jobs)))
}

type pageParams struct {
	page    int
	perPage int
}

func parsePageParams(r *http.Request) (pageParams, error) {
	p := pageParams{page: 1, perPage: httpserver.DefaultPageSize}
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page must be a positive integer")
		}
		p.page = n
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("per_page must be a positive integer")
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		p.perPage = n
	}
	return p, nil
}

type jobPage struct {
	items []store.Job
}

func paginate(jobs []store.Job, p pageParams) jobPage {
	start := (p.page - 1) * p.perPage
	if start >= len(jobs) {
		return jobPage{}
	}
	end := start + p.perPage
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobPage{items: jobs[start:end]}
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	job, err := h.jobs.GetByTaskID(r.Context(), taskID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, h.toTaskResponse(job))
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	job, err := h.jobs.GetByTaskID(r.Context(), taskID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	path := filepath.Join(h.resultsDir, job.ResultFile)
	f, err := os.Open(path)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no result file yet")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, job.ResultFile))
	_, _ = io.Copy(w, f)
}

func (h *Handler) handleResumeOne(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	job, err := h.jobs.GetByTaskID(r.Context(), taskID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	ok, err := h.jobs.UpdateJobStatusIf(r.Context(), job.ID,
		[]store.Status{store.StatusPending, store.StatusStash, store.StatusRunning}, store.StatusWaiting)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "resuming task")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"resumed": ok})
}

// updatePriorityRequest intentionally has no "required" validator tag on
// Priority: 0 is a legitimate (highest-urgency) priority value, and
// validator's required tag rejects zero values.
type updatePriorityRequest struct {
	Priority int `json:"priority"`
}

func (h *Handler) handleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	job, err := h.jobs.GetByTaskID(r.Context(), taskID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if job.Status == store.StatusRunning && !job.IsStalled(h.clock.Now()) {
		httpserver.RespondError(w, http.StatusConflict, "task_running", "cannot change priority of an actively running task")
		return
	}

	var req updatePriorityRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.jobs.UpdatePriority(r.Context(), job.ID, req.Priority); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "updating priority")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"priority": req.Priority})
}

type resumeBatchRequest struct {
	Limit int `json:"limit" validate:"required,gte=1"`
}

func (h *Handler) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	var req resumeBatchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ids, err := h.scheduler.ResumeTasks(r.Context(), req.Limit)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "resuming tasks")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string][]string{"resumed": ids})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.CheckAndAdmit(r.Context()); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "starting scheduler")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"started": true})
}

func (h *Handler) handleStopAll(w http.ResponseWriter, r *http.Request) {
	ids := h.executor.StopAll()
	for _, taskID := range ids {
		job, err := h.jobs.GetByTaskID(r.Context(), taskID)
		if err != nil {
			continue
		}
		_, _ = h.jobs.UpdateJobStatusIf(r.Context(), job.ID, []store.Status{store.StatusRunning, store.StatusWaiting}, store.StatusPending)
	}
	httpserver.Respond(w, http.StatusOK, map[string][]string{"stopped": ids})
}

func (h *Handler) handleCompletedByDate(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	if dateStr == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "date is required (YYYY-MM-DD)")
		return
	}
	loc := h.clock.Location()
	day, err := time.ParseInLocation("2006-01-02", dateStr, loc)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD")
		return
	}
	start := day
	end := start.AddDate(0, 0, 1)

	jobs, err := h.jobs.ListCompletedBetween(r.Context(), start, end)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "storage_error", "listing completed tasks")
		return
	}
	items := make([]taskResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, h.toTaskResponse(j))
	}
	httpserver.Respond(w, http.StatusOK, items)
}
