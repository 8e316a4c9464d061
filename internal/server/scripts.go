package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/store"
)

// decodeScriptRequest reads and validates a script body. It writes the
// error response itself and returns nil on failure.
func decodeScriptRequest(w http.ResponseWriter, r *http.Request) *script.Request {
	var req script.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return nil
	}
	if err := req.Validate(); err != nil {
		var verr *command.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
			return nil
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil
	}
	return &req
}

// ownScript loads a script of the caller. Scripts of other users are
// reported as missing.
func (s *Server) ownScript(w http.ResponseWriter, r *http.Request) *script.Script {
	id := chi.URLParam(r, "scriptID")
	sc, err := s.store.GetScript(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sc.UserID != userFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "script_not_found", "script not found")
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("script_id", id).Msg("failed to load script")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load script")
		return nil
	}
	return sc
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list scripts")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list scripts")
		return
	}
	if scripts == nil {
		scripts = []*script.Script{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	if sc := s.ownScript(w, r); sc != nil {
		writeJSON(w, http.StatusOK, sc)
	}
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	req := decodeScriptRequest(w, r)
	if req == nil {
		return
	}
	userID := userFromContext(r.Context())

	sc := req.NewScript(userID)
	if err := s.store.SaveScript(r.Context(), sc); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to save script")
		writeError(w, http.StatusInternalServerError, "internal", "failed to save script")
		return
	}
	s.log.Info().Str("script_id", sc.ID).Str("name", sc.Name).Int("steps", len(sc.Commands)).Msg("script created")
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	sc := s.ownScript(w, r)
	if sc == nil {
		return
	}
	req := decodeScriptRequest(w, r)
	if req == nil {
		return
	}

	req.Apply(sc)
	if err := s.store.SaveScript(r.Context(), sc); err != nil {
		s.log.Error().Err(err).Str("script_id", sc.ID).Msg("failed to save script")
		writeError(w, http.StatusInternalServerError, "internal", "failed to save script")
		return
	}
	s.log.Info().Str("script_id", sc.ID).Int("steps", len(sc.Commands)).Msg("script updated")
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scriptID")
	err := s.store.DeleteScript(r.Context(), userFromContext(r.Context()), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "script_not_found", "script not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("script_id", id).Msg("failed to delete script")
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete script")
		return
	}
	s.log.Info().Str("script_id", id).Msg("script deleted")
	w.WriteHeader(http.StatusNoContent)
}
