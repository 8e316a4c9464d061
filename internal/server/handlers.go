package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
)

// maxBodyBytes bounds request bodies; device_info is the only free-form part.
const maxBodyBytes = 64 * 1024

// CreateResponse is returned by POST /functions/v1/remote-command.
type CreateResponse struct {
	Success   bool           `json:"success"`
	CommandID string         `json:"command_id"`
	Status    command.Status `json:"status"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Connections(),
	})
}

// handleCreateCommand validates and inserts a pending row, then pushes it
// to the owner's desktops.
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	var req command.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		var verr *command.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// script_id is not resolved here. The executing desktop owns that check
	// and records a missing script as a failed command.
	cmd, err := s.store.InsertCommand(r.Context(), req.NewPending(userID))
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to insert command")
		writeError(w, http.StatusInternalServerError, "internal", "failed to store command")
		return
	}

	s.hub.Publish(cmd)
	s.log.Info().
		Str("command_id", cmd.ID).
		Str("user_id", userID).
		Str("type", string(cmd.Type)).
		Str("target", cmd.DesktopInstanceID).
		Msg("command queued")

	writeJSON(w, http.StatusCreated, CreateResponse{Success: true, CommandID: cmd.ID, Status: cmd.Status})
}

// handleGetCommand returns one row to its owner.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	id := chi.URLParam(r, "commandID")

	cmd, err := s.store.GetCommand(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cmd.UserID != userID) {
		writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("failed to load command")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleRequeueCommand puts one of the caller's failed commands back to
// pending and pushes it again.
func (s *Server) handleRequeueCommand(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	id := chi.URLParam(r, "commandID")

	cmd, err := s.store.GetCommand(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cmd.UserID != userID) {
		writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("failed to load command")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load command")
		return
	}

	cmd, err = s.store.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "not_failed", "only failed commands can be requeued")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	case err != nil:
		s.log.Error().Err(err).Str("command_id", id).Msg("failed to requeue command")
		writeError(w, http.StatusInternalServerError, "internal", "failed to requeue command")
		return
	}

	s.hub.Publish(cmd)
	s.log.Info().Str("command_id", id).Str("user_id", userID).Msg("command requeued")
	writeJSON(w, http.StatusOK, cmd)
}

// handleChatResponses lists mirrored chat answers of one command.
func (s *Server) handleChatResponses(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeError(w, http.StatusBadRequest, "missing_command_id", "command_id is required")
		return
	}

	responses, err := s.store.ListChatResponses(r.Context(), userID, commandID)
	if err != nil {
		s.log.Error().Err(err).Str("command_id", commandID).Msg("failed to list chat responses")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list chat responses")
		return
	}
	if responses == nil {
		responses = []*command.ChatResponse{}
	}
	writeJSON(w, http.StatusOK, responses)
}

// handleInstances lists the caller's desktop instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	instances, err := s.store.ListInstances(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list instances")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list instances")
		return
	}
	if instances == nil {
		instances = []*store.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

// handleWebSocket subscribes a desktop to inserts of its user.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, userFromContext(r.Context()))
}
