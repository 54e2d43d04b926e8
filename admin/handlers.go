// Package admin serves the operator HTTP API: connector stats, importer
// checkpoints and manual acknowledgements.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/cdcsink/ack"
	"github.com/maxpert/cdcsink/checkpoint"
	"github.com/maxpert/cdcsink/connector"
	"github.com/rs/zerolog/log"
)

// Connector is the part of the sink connector exposed over HTTP
type Connector interface {
	Stats() connector.Stats
	Ack(token string) error
	IsIncrementalRunning(id string) bool
}

// Sessions reports subscriber sessions of the listen transport
type Sessions interface {
	Sessions() uint64
	Active() bool
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	connector   Connector
	checkpoints *checkpoint.Store
	sessions    Sessions
}

// NewAdminHandlers creates handlers over c. checkpoints and sessions may be
// nil when the node runs without them.
func NewAdminHandlers(c Connector, checkpoints *checkpoint.Store, sessions Sessions) *AdminHandlers {
	return &AdminHandlers{
		connector:   c,
		checkpoints: checkpoints,
		sessions:    sessions,
	}
}

// handleStats returns connector counters
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.connector.Stats())
}

// handleHealth reports whether records can currently leave the node
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.connector.Stats()
	response := map[string]interface{}{
		"transport_open": st.TransportOpen,
		"scheduler":      st.Scheduler,
	}
	if h.sessions != nil {
		response["subscriber_active"] = h.sessions.Active()
		response["subscriber_sessions"] = h.sessions.Sessions()
	}

	status := http.StatusOK
	if !st.TransportOpen || st.SchedulerError != "" {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, response)
}

// handleCheckpoints lists every importer checkpoint
func (h *AdminHandlers) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		writeErrorResponse(w, http.StatusNotFound, "checkpoints are disabled")
		return
	}
	writeJSONResponse(w, h.checkpoints.All())
}

// handleImporter returns one importer's checkpoint and queue state
func (h *AdminHandlers) handleImporter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "importerID")
	st := h.connector.Stats()
	depth, queued := st.Queues[id]

	response := map[string]interface{}{
		"importer":    id,
		"incremental": h.connector.IsIncrementalRunning(id),
	}
	if queued {
		response["queue_depth"] = depth
	}

	found := queued
	if h.checkpoints != nil {
		cp, ok, err := h.checkpoints.Load(id)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ok {
			response["checkpoint"] = cp
			found = true
		}
	}

	if !found {
		writeErrorResponse(w, http.StatusNotFound, "importer not found")
		return
	}
	writeJSONResponse(w, response)
}

// handleAck applies an acknowledgement on behalf of a subscriber that cannot
// send one over its transport
func (h *AdminHandlers) handleAck(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		writeErrorResponse(w, http.StatusBadRequest, "ack token is required")
		return
	}

	if err := h.connector.Ack(token); err != nil {
		if errors.Is(err, ack.ErrAlreadyAcked) {
			writeErrorResponse(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, ack.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Debug().Str("ack_token", token).Msg("Applied ack from admin API")
	writeJSONResponse(w, map[string]string{"ack_token": token})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, map[string]interface{}{"data": data})
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]interface{}{"error": message})
}

func writeJSONStatus(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
