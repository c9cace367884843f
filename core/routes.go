package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, errorType string, message string) {
	writeJSON(w, status, models.ErrorResponse{
		ErrorType: errorType,
		Message:   message,
	})
}

// registerHandler creates (or resolves) a subject by name. Idempotent:
// re-registering a name returns the same subject identity.
func (c *Core) registerHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.logger.Warn("Invalid JSON payload for register request", "error", err)
		writeJSONError(w, http.StatusBadRequest, models.ErrTypeMalformedMessage, "invalid JSON payload")
		return
	}
	if err := validator.New().Struct(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, models.ErrTypeMalformedMessage, fmt.Sprintf("invalid register request: %v", err))
		return
	}

	subject, err := c.store.CreateSubject(req.Name)
	if err != nil {
		c.logger.Error("Could not create subject", "name", req.Name, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "subject registration failed")
		return
	}

	c.logger.Info("Subject registered", "subject_id", subject.ID, "name", subject.Name)
	writeJSON(w, http.StatusOK, models.RegisterResponse{
		SubjectID: subject.ID,
		RelayPath: fmt.Sprintf("/api/v1/relay?subject_id=%s", subject.ID),
	})
}

// backlogHandler serves the REST backlog query: events for a subject
// with position strictly greater than "since", in position order.
func (c *Core) backlogHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["id"]

	if _, err := c.store.GetSubject(subjectID); err != nil {
		if store.IsErrSubjectNotFound(err) {
			writeJSONError(w, http.StatusNotFound, models.ErrTypeNotFound, fmt.Sprintf("unknown subject %q", subjectID))
			return
		}
		c.logger.Error("Could not resolve subject for backlog query", "subject_id", subjectID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "subject lookup failed")
		return
	}

	var sincePosition int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, models.ErrTypeMalformedMessage, "since must be an integer")
			return
		}
		sincePosition = parsed
	}

	limit := c.cfg.Backlog.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, models.ErrTypeMalformedMessage, "limit must be an integer")
			return
		}
		limit = parsed
	}

	typeFilter := models.EventType(r.URL.Query().Get("type"))
	if typeFilter != "" && !typeFilter.Valid() {
		writeJSONError(w, http.StatusBadRequest, models.ErrTypeMalformedMessage, fmt.Sprintf("unknown event type %q", typeFilter))
		return
	}

	events, err := c.eventLog.ListSince(r.Context(), subjectID, sincePosition, limit, typeFilter)
	if err != nil {
		c.logger.Error("Backlog read failed", "subject_id", subjectID, "since", sincePosition, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "backlog read failed")
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	writeJSON(w, http.StatusOK, models.BacklogResponse{Events: events})
}

// restartHandler delivers a restart instruction to the subject's
// producer connections. The producer respawns its child process without
// tearing down the relay connection.
func (c *Core) restartHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["id"]

	if _, err := c.store.GetSubject(subjectID); err != nil {
		if store.IsErrSubjectNotFound(err) {
			writeJSONError(w, http.StatusNotFound, models.ErrTypeNotFound, fmt.Sprintf("unknown subject %q", subjectID))
			return
		}
		c.logger.Error("Could not resolve subject for restart", "subject_id", subjectID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "subject lookup failed")
		return
	}

	delivered := c.sendInstruction(subjectID, models.InstructionRestart)
	c.logger.Info("Restart instruction dispatched", "subject_id", subjectID, "delivered", delivered)

	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// sendInstruction queues an out-of-band instruction frame on every
// producer session for the subject. Returns how many sessions received
// it.
func (c *Core) sendInstruction(subjectID string, command string) int {
	c.sessionsLock.RLock()
	defer c.sessionsLock.RUnlock()

	delivered := 0
	for s := range c.sessions[subjectID] {
		if s.role != models.RoleProducer {
			continue
		}
		s.queue(models.ServerMessage{
			Type:       models.MsgInstruction,
			SubjectID:  subjectID,
			Command:    command,
			ServerTime: time.Now().UTC(),
		})
		delivered++
	}
	return delivered
}

func (c *Core) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(c.startedAt).String(),
	})
}
