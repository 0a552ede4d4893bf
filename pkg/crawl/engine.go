// Package crawl implements the resumable per-job state machine that drives
// the proxy forwarder, persists incremental progress, and streams results
// into the result sink (spec.md §4.6). Grounded line-by-line on
// original_source/app/services/polygon_crawler.py's execute_task for the
// exact ordering of commits, sleeps, and branch conditions.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomentu/poicrawler/internal/catalog"
	"github.com/tomentu/poicrawler/internal/store"
	"github.com/tomentu/poicrawler/internal/telemetry"
	"github.com/tomentu/poicrawler/pkg/proxy"
	"github.com/tomentu/poicrawler/pkg/resultsink"
)

const (
	pageSize = 25

	// PageInterval and CategoryInterval are the suspension sleeps between
	// pages and between categories (spec.md §4.6 step 4.5-4.6).
	PageInterval     = 200 * time.Millisecond
	CategoryInterval = 1 * time.Second
)

// JobStore is the subset of internal/store.JobStore the engine needs.
type JobStore interface {
	GetByTaskID(ctx context.Context, taskID string) (store.Job, error)
	SetStatus(ctx context.Context, id int64, status store.Status) error
	SaveProgress(ctx context.Context, id int64, currentType *string, currentPage int, progress map[string]store.CategoryProgress) error
}

// Forwarder is the subset of pkg/proxy.Forwarder the engine needs.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, params url.Values) proxy.Response
}

// ResultSink is the subset of pkg/resultsink.Sink the engine needs.
type ResultSink interface {
	Append(resultFile, poiType string, pois []resultsink.POI) error
}

// Notifier is the subset of pkg/notify.Notifier the engine needs to alert
// an operator when a crawl run ends on an error and the job is parked back
// in waiting. Optional: a nil notifier is a no-op.
type Notifier interface {
	NotifyJobFailed(taskID string, reason string)
}

// Engine drives the per-job crawl loop.
type Engine struct {
	jobs      JobStore
	forwarder Forwarder
	sink      ResultSink
	catalog   *catalog.Catalog
	logger    *slog.Logger
	notifier  Notifier

	pageInterval     time.Duration
	categoryInterval time.Duration
}

// NewEngine creates an Engine using the spec's default page/category
// pacing (spec.md §4.6).
func NewEngine(jobs JobStore, forwarder Forwarder, sink ResultSink, cat *catalog.Catalog, logger *slog.Logger) *Engine {
	return &Engine{
		jobs: jobs, forwarder: forwarder, sink: sink, catalog: cat, logger: logger,
		pageInterval:     PageInterval,
		categoryInterval: CategoryInterval,
	}
}

// SetNotifier attaches an operator-alert notifier. Called once at startup;
// tests leave it unset.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// upstreamError represents a non-200, non-credential-exhaustion response
// that must "raise to the outer catch" (spec.md §4.6 step 4.4).
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("proxy request failed with status %d: %s", e.status, e.body)
}

var errNoAvailableKey = errors.New("no available API key")

type amapPage struct {
	InfoCode string    `json:"infocode"`
	Count    string    `json:"count"`
	Pois     []amapPOI `json:"pois"`
}

type amapPOI struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	TypeCode     string `json:"typecode"`
	Address      string `json:"address"`
	Location     string `json:"location"`
	Tel          string `json:"tel"`
	BusinessArea string `json:"business_area"`
	PName        string `json:"pname"`
	CityName     string `json:"cityname"`
	AdName       string `json:"adname"`
}

// Execute is the per-job entry point submitted to the task executor
// (spec.md §4.6). It returns true only when the job reached `completed` in
// this call.
func (e *Engine) Execute(ctx context.Context, taskID string, cancel <-chan struct{}) bool {
	job, err := e.jobs.GetByTaskID(ctx, taskID)
	if err != nil {
		e.logger.Error("loading job", "task_id", taskID, "error", err)
		return false
	}

	done, err := e.run(ctx, &job, cancel)
	if err != nil {
		e.handleOuterError(ctx, job.ID, taskID, err)
		return false
	}
	return done
}

func (e *Engine) run(ctx context.Context, job *store.Job, cancel <-chan struct{}) (bool, error) {
	if err := e.jobs.SetStatus(ctx, job.ID, store.StatusRunning); err != nil {
		return false, fmt.Errorf("setting job running: %w", err)
	}

	currentType := job.CurrentType
	if currentType == nil || *currentType == "" || !e.catalog.Contains(*currentType) {
		first := e.catalog.First()
		currentType = &first
		job.CurrentPage = 1
	}

	progress := job.Progress
	if progress == nil {
		progress = make(map[string]store.CategoryProgress)
	}

	polygon := normalizePolygon(job.Polygon)

	for _, entry := range e.catalog.From(*currentType) {
		if cancelled(cancel) {
			return false, e.jobs.SetStatus(ctx, job.ID, store.StatusPending)
		}

		label := entry.Label
		currentPage := job.CurrentPage
		if _, ok := progress[label]; !ok {
			currentPage = 1
		}

		page, httpStatus, err := e.fetchPage(ctx, polygon, entry.Codes, currentPage)
		if isCredentialExhaustion(httpStatus) {
			return false, e.jobs.SetStatus(ctx, job.ID, store.StatusWaiting)
		}
		if err != nil {
			return false, err
		}
		if httpStatus != 200 {
			return false, &upstreamError{status: httpStatus}
		}
		if len(page.pois) == 0 {
			continue
		}

		if err := e.appendPOIs(job.ResultFile, label, page.pois); err != nil {
			return false, fmt.Errorf("writing results: %w", err)
		}

		totalCount := parseCount(page.count)
		totalPages := ceilDiv(totalCount, pageSize)
		progress[label] = store.CategoryProgress{
			TotalPages:     totalPages,
			ProcessedPages: 1,
			TotalCount:     totalCount,
			ProcessedCount: len(page.pois),
			Completed:      false,
		}
		job.CurrentType = &label
		job.CurrentPage = currentPage
		if err := e.jobs.SaveProgress(ctx, job.ID, job.CurrentType, job.CurrentPage, progress); err != nil {
			return false, fmt.Errorf("saving progress: %w", err)
		}

		if e.sleepOrCancel(e.pageInterval, cancel) {
			return false, e.jobs.SetStatus(ctx, job.ID, store.StatusPending)
		}

		for p := 2; p <= totalPages; p++ {
			if cancelled(cancel) {
				return false, e.jobs.SetStatus(ctx, job.ID, store.StatusPending)
			}

			page, httpStatus, err := e.fetchPage(ctx, polygon, entry.Codes, p)
			if isCredentialExhaustion(httpStatus) {
				return false, e.jobs.SetStatus(ctx, job.ID, store.StatusWaiting)
			}
			if err != nil {
				return false, err
			}
			if httpStatus != 200 {
				return false, &upstreamError{status: httpStatus}
			}

			if len(page.pois) == 0 {
				cp := progress[label]
				cp.Completed = true
				progress[label] = cp
				job.CurrentType = &label
				if err := e.jobs.SaveProgress(ctx, job.ID, job.CurrentType, job.CurrentPage, progress); err != nil {
					return false, fmt.Errorf("saving progress: %w", err)
				}
				e.logger.Info("category completed", "task_id", job.TaskID, "category", label)
				break
			}

			if err := e.appendPOIs(job.ResultFile, label, page.pois); err != nil {
				return false, fmt.Errorf("writing results: %w", err)
			}

			cp := progress[label]
			cp.ProcessedPages++
			cp.ProcessedCount += len(page.pois)
			progress[label] = cp
			job.CurrentPage = p
			job.CurrentType = &label
			if err := e.jobs.SaveProgress(ctx, job.ID, job.CurrentType, job.CurrentPage, progress); err != nil {
				return false, fmt.Errorf("saving progress: %w", err)
			}

			if e.sleepOrCancel(e.pageInterval, cancel) {
				return false, e.jobs.SetStatus(ctx, job.ID, store.StatusPending)
			}
		}

		if e.sleepOrCancel(e.categoryInterval, cancel) {
			return false, e.jobs.SetStatus(ctx, job.ID, store.StatusPending)
		}
	}

	if err := e.jobs.SetStatus(ctx, job.ID, store.StatusCompleted); err != nil {
		return false, fmt.Errorf("completing job: %w", err)
	}
	telemetry.JobsCompletedTotal.WithLabelValues("completed").Inc()
	return true, nil
}

type fetchedPage struct {
	count string
	pois  []amapPOI
}

// fetchPage issues one polygon search page through the proxy forwarder and
// returns the parsed vendor body, the HTTP status, and an error only for
// transport-level decode failures (classification of the status itself is
// the caller's job).
func (e *Engine) fetchPage(ctx context.Context, polygon, typeCodes string, page int) (fetchedPage, int, error) {
	params := url.Values{
		"polygon":    {polygon},
		"types":      {typeCodes},
		"offset":     {strconv.Itoa(pageSize)},
		"page":       {strconv.Itoa(page)},
		"extensions": {"all"},
	}

	resp := e.forwarder.Forward(ctx, "v3/place/polygon", params)
	if resp.Status != 200 {
		return fetchedPage{}, resp.Status, nil
	}

	var body amapPage
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return fetchedPage{}, resp.Status, fmt.Errorf("decoding upstream page: %w", err)
	}
	return fetchedPage{count: body.Count, pois: body.Pois}, resp.Status, nil
}

// isCredentialExhaustion reports whether httpStatus is 503, which the engine
// treats as credential exhaustion and handles inline rather than raising to
// the outer catch. Only the status is checked: fetchPage decodes the body
// only on 200, so info_code is not inspected, and a 503 that the forwarder
// passed through from upstream is treated the same way as the forwarder's
// own exhaustion response.
func isCredentialExhaustion(httpStatus int) bool {
	return httpStatus == 503
}

func (e *Engine) appendPOIs(resultFile, label string, pois []amapPOI) error {
	converted := make([]resultsink.POI, 0, len(pois))
	for _, p := range pois {
		converted = append(converted, resultsink.POI{
			ID:           p.ID,
			Name:         p.Name,
			Type:         p.Type,
			TypeCode:     p.TypeCode,
			Address:      p.Address,
			Location:     p.Location,
			Tel:          p.Tel,
			BusinessArea: p.BusinessArea,
			Province:     p.PName,
			City:         p.CityName,
			District:     p.AdName,
		})
	}
	if err := e.sink.Append(resultFile, label, converted); err != nil {
		return err
	}
	telemetry.POIsWrittenTotal.Add(float64(len(converted)))
	return nil
}

// handleOuterError classifies an error raised out of run and applies the
// spec's outer-catch mapping (spec.md §4.6 "Outer catch").
func (e *Engine) handleOuterError(ctx context.Context, jobID int64, taskID string, err error) {
	var ue *upstreamError
	if errors.As(err, &ue) && ue.status == 503 {
		e.logger.Warn("upstream 503, parking job pending", "task_id", taskID)
		if setErr := e.jobs.SetStatus(ctx, jobID, store.StatusPending); setErr != nil {
			e.logger.Error("setting job pending", "task_id", taskID, "error", setErr)
		}
		telemetry.JobsCompletedTotal.WithLabelValues("failed").Inc()
		return
	}

	if errors.Is(err, errNoAvailableKey) || strings.Contains(err.Error(), "No available API key") {
		e.logger.Error("no available API key", "task_id", taskID, "error", err)
		if setErr := e.jobs.SetStatus(ctx, jobID, store.StatusWaiting); setErr != nil {
			e.logger.Error("setting job waiting", "task_id", taskID, "error", setErr)
		}
		telemetry.JobsCompletedTotal.WithLabelValues("failed").Inc()
		if e.notifier != nil {
			e.notifier.NotifyJobFailed(taskID, err.Error())
		}
		return
	}

	e.logger.Error("crawl failed", "task_id", taskID, "error", err)
	if setErr := e.jobs.SetStatus(ctx, jobID, store.StatusWaiting); setErr != nil {
		e.logger.Error("setting job waiting", "task_id", taskID, "error", setErr)
	}
	telemetry.JobsCompletedTotal.WithLabelValues("failed").Inc()
	if e.notifier != nil {
		e.notifier.NotifyJobFailed(taskID, err.Error())
	}
}

func (e *Engine) sleepOrCancel(d time.Duration, cancel <-chan struct{}) (interrupted bool) {
	select {
	case <-cancel:
		return true
	case <-time.After(d):
		return false
	}
}

func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func normalizePolygon(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\n", "")
	p = strings.ReplaceAll(p, "\r", "")
	p = strings.ReplaceAll(p, " ", "")
	return p
}

func parseCount(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
