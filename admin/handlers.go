package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/catalog"
)

func (s *Server) handleListJourneys(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"journeys": list})
}

func (s *Server) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.catalog.Journey(r.Context(), chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSaveJourney(w http.ResponseWriter, r *http.Request) {
	var j journeys.Journey
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if id := chi.URLParam(r, "journeyID"); id != "" {
		j.ID = id
	}
	if err := s.catalog.Save(r.Context(), j); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": j.ID})
}

func (s *Server) handleDeleteJourney(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), chi.URLParam(r, "journeyID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDuplicateJourney(w http.ResponseWriter, r *http.Request) {
	src, err := s.catalog.Journey(r.Context(), chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	cp := catalog.Duplicate(*src)
	if err := s.catalog.Save(r.Context(), cp); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleContactJourneys(w http.ResponseWriter, r *http.Request) {
	states, err := s.machine.States().ListByContact(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handleRemoveFromJourney(w http.ResponseWriter, r *http.Request) {
	err := s.machine.RemoveFromJourney(r.Context(),
		chi.URLParam(r, "contactID"), chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveFromStep(w http.ResponseWriter, r *http.Request) {
	err := s.machine.RemoveFromStep(r.Context(),
		chi.URLParam(r, "contactID"), chi.URLParam(r, "journeyID"), chi.URLParam(r, "stepID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
