package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

type createPresetRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Criteria    query.ResultFilter `json:"criteria"`
	IsDefault   bool               `json:"is_default"`
}

func (s *server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.deps.Store.ListPresets(r.Context())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	if presets == nil {
		presets = []store.FilterPreset{}
	}

	writeData(w, http.StatusOK, presets)
}

func (s *server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := s.deps.Store.GetPreset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, preset)
}

func (s *server) handleDefaultPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := s.deps.Store.GetDefaultPreset(r.Context())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, preset)
}

func (s *server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var req createPresetRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErr(w, r, err)

		return
	}

	preset := &store.FilterPreset{
		Name:        req.Name,
		Description: req.Description,
		Criteria:    req.Criteria,
		IsDefault:   req.IsDefault,
	}

	if err := s.deps.Store.CreatePreset(r.Context(), preset); err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusCreated, preset)
}

func (s *server) handleUpdatePreset(w http.ResponseWriter, r *http.Request) {
	var patch store.PresetPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeErr(w, r, err)

		return
	}

	preset, err := s.deps.Store.UpdatePreset(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, preset)
}

func (s *server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Store.DeletePreset(r.Context(), id); err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, map[string]string{"deleted": id})
}
