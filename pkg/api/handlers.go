package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

const (
	defaultTrendDays = 30
	healthTimeout    = 2 * time.Second
)

// pageResponse wraps one page of a listing.
type pageResponse[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, query.Invalid(name, "must be an integer")
	}

	return v, nil
}

// floatParam parses an optional float query parameter.
func floatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, query.Invalid(name, "must be a number")
	}

	return v, nil
}

// --- Health and configuration ---

type healthResponse struct {
	Status     string             `json:"status"`
	Version    string             `json:"version,omitempty"`
	Uptime     string             `json:"uptime"`
	Database   string             `json:"database"`
	Sessions   int                `json:"sessions"`
	Statistics *store.GlobalStats `json:"statistics,omitempty"`
}

// handleHealth reports liveness. Statistics are best effort.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Version:  s.deps.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Database: "ok",
	}

	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions()
	}

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("Health check ping failed")

		resp.Status = "degraded"
		resp.Database = err.Error()

		writeData(w, http.StatusServiceUnavailable, resp)

		return
	}

	if stats, err := s.deps.Store.GlobalStats(ctx); err == nil {
		resp.Statistics = stats
	} else {
		s.log.WithError(err).Debug("Health statistics unavailable")
	}

	writeData(w, http.StatusOK, resp)
}

type configResponse struct {
	Driver         string   `json:"driver"`
	RetentionDays  int      `json:"retention_days"`
	FlakyThreshold float64  `json:"flaky_threshold"`
	LogLevel       string   `json:"log_level"`
	Maintenance    bool     `json:"maintenance"`
	WriteProtected bool     `json:"write_protected"`
	Writable       []string `json:"writable"`
}

func (s *server) configSnapshot() configResponse {
	resp := configResponse{
		Driver:         s.deps.Store.Driver(),
		RetentionDays:  s.cfg.Maintenance.RetentionDays,
		FlakyThreshold: s.currentFlakyThreshold(),
		LogLevel:       s.cfg.Global.LogLevel,
		Maintenance:    s.deps.Scheduler != nil,
		WriteProtected: s.cfg.Auth.WriteTokenHash != "",
		Writable:       []string{"retention_days", "flaky_threshold", "log_level"},
	}

	if s.deps.Scheduler != nil {
		resp.RetentionDays = s.deps.Scheduler.RetentionDays()
	}

	if s.deps.Levels != nil {
		resp.LogLevel = s.deps.Levels.GetLevel().String()
	}

	return resp
}

// handleGetConfig returns the effective runtime settings.
func (s *server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.configSnapshot())
}

// handlePutConfig applies the writable subset of settings.
func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeBody(w, r, &input); err != nil {
		s.writeErr(w, r, err)

		return
	}

	settings, err := config.DecodeRuntimeSettings(input)
	if err != nil {
		s.writeErr(w, r, &query.ValidationError{Message: err.Error()})

		return
	}

	if settings.Empty() {
		s.writeErr(w, r, query.Invalid("settings", "no writable setting supplied"))

		return
	}

	if settings.RetentionDays != nil {
		if s.deps.Scheduler == nil {
			s.writeErr(w, r, query.Invalid("retention_days", "maintenance is disabled"))

			return
		}

		s.deps.Scheduler.SetRetentionDays(*settings.RetentionDays)
	}

	if settings.FlakyThreshold != nil {
		s.flakyThreshold.Store(*settings.FlakyThreshold)
	}

	if settings.LogLevel != nil && s.deps.Levels != nil {
		level, err := logrus.ParseLevel(*settings.LogLevel)
		if err != nil {
			s.writeErr(w, r, query.Invalid("log_level", "%s", err.Error()))

			return
		}

		s.deps.Levels.SetLevel(level)
	}

	s.log.WithField("settings", input).Info("Runtime settings updated")

	writeData(w, http.StatusOK, s.configSnapshot())
}

// --- Runs ---

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := query.ParseRunFilter(r.URL.Query())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	runs, total, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, pageResponse[store.TestRun]{
		Items:  runs,
		Total:  total,
		Limit:  filter.Page.Limit,
		Offset: filter.Page.Offset,
	})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, run)
}

func (s *server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var meta store.RunMetadata
	if err := decodeBody(w, r, &meta); err != nil {
		s.writeErr(w, r, err)

		return
	}

	run, err := s.deps.Store.UpdateRunMetadata(r.Context(), chi.URLParam(r, "id"), meta)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, run)
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Store.DeleteRun(r.Context(), id); err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Store.GetRun(r.Context(), id); err != nil {
		s.writeErr(w, r, err)

		return
	}

	results, err := s.deps.Store.ListResultsForRun(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, results)
}

func (s *server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.RunStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, stats)
}

// --- Results ---

func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	filter, err := query.ParseResultFilter(r.URL.Query())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	s.writeResults(w, r, filter)
}

// handleSearchResults accepts the filter as a JSON body.
func (s *server) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	var filter query.ResultFilter
	if err := decodeBody(w, r, &filter); err != nil {
		s.writeErr(w, r, err)

		return
	}

	s.writeResults(w, r, filter)
}

func (s *server) writeResults(w http.ResponseWriter, r *http.Request, filter query.ResultFilter) {
	results, total, err := s.deps.Store.ListResults(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	filter.Normalize()

	writeData(w, http.StatusOK, pageResponse[store.TestResult]{
		Items:  results,
		Total:  total,
		Limit:  filter.Page.Limit,
		Offset: filter.Page.Offset,
	})
}

func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Store.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, result)
}

func (s *server) handleUpdateResult(w http.ResponseWriter, r *http.Request) {
	var meta store.ResultMetadata
	if err := decodeBody(w, r, &meta); err != nil {
		s.writeErr(w, r, err)

		return
	}

	result, err := s.deps.Store.UpdateResultMetadata(r.Context(), chi.URLParam(r, "id"), meta)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, result)
}

func (s *server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Store.DeleteResult(r.Context(), id); err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, map[string]string{"deleted": id})
}

// --- Statistics and analytics ---

func (s *server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GlobalStats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, stats)
}

func (s *server) handleTrend(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", defaultTrendDays)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	points, err := s.deps.Store.Trend(r.Context(), days, time.Now())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, points)
}

// handleFlaky uses the runtime flaky threshold when none is requested.
func (s *server) handleFlaky(w http.ResponseWriter, r *http.Request) {
	threshold, err := floatParam(r, "threshold", s.currentFlakyThreshold())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	flaky, err := s.deps.Flaky.Flaky(r.Context(), threshold, limit)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, flaky)
}

func (s *server) handleFacet(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	values, err := s.deps.Store.UniqueValues(r.Context(), chi.URLParam(r, "field"), query.FacetLimit(limit))
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, values)
}
