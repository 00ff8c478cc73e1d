package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/testoor/pkg/ingest"
)

type specRequest struct {
	Spec  ingest.Spec       `json:"spec"`
	Tests []ingest.TestCase `json:"tests"`
}

// runContext rebuilds the context of the run named in the path.
func (s *server) runContext(w http.ResponseWriter, r *http.Request) (*ingest.RunContext, bool) {
	rc, err := s.deps.Gateway.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)

		return nil, false
	}

	return rc, true
}

func (s *server) handleIngestRunStart(w http.ResponseWriter, r *http.Request) {
	var details ingest.RunDetails
	if err := decodeBody(w, r, &details); err != nil {
		s.writeErr(w, r, err)

		return
	}

	rc, err := s.deps.Gateway.RunStart(r.Context(), details)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusCreated, rc)
}

func (s *server) handleIngestSpec(w http.ResponseWriter, r *http.Request) {
	var req specRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, r, err)

		return
	}

	rc, ok := s.runContext(w, r)
	if !ok {
		return
	}

	s.deps.Gateway.SpecBefore(r.Context(), rc, req.Spec)

	results, err := s.deps.Gateway.SpecAfter(r.Context(), rc, req.Spec, req.Tests)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, results)
}

// handleIngestEvent routes a single runner callback through the reporter
// interface.
func (s *server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev ingest.LifecycleEvent
	if err := decodeBody(w, r, &ev); err != nil {
		s.writeErr(w, r, err)

		return
	}

	rc, ok := s.runContext(w, r)
	if !ok {
		return
	}

	next, err := ingest.Dispatch(r.Context(), s.deps.Gateway, rc, ev)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, next)
}

func (s *server) handleIngestScreenshot(w http.ResponseWriter, r *http.Request) {
	var details ingest.ScreenshotDetails
	if err := decodeBody(w, r, &details); err != nil {
		s.writeErr(w, r, err)

		return
	}

	rc, ok := s.runContext(w, r)
	if !ok {
		return
	}

	shot, err := s.deps.Gateway.ScreenshotCaptured(r.Context(), rc, details)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusCreated, shot)
}

func (s *server) handleIngestRunEnd(w http.ResponseWriter, r *http.Request) {
	var summary ingest.RunSummary
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &summary); err != nil {
			s.writeErr(w, r, err)

			return
		}
	}

	rc, ok := s.runContext(w, r)
	if !ok {
		return
	}

	run, err := s.deps.Gateway.RunEnd(r.Context(), rc, summary)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, run)
}

func (s *server) handleIngestCancel(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.runContext(w, r)
	if !ok {
		return
	}

	run, err := s.deps.Gateway.Cancel(r.Context(), rc)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, run)
}
