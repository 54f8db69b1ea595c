package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"obd2relay/internal/db"
	"obd2relay/internal/levels"
	"obd2relay/internal/models"
)

// Response helpers

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type listResponse struct {
	Data interface{} `json:"data"`
	Meta meta        `json:"meta"`
}

type meta struct {
	Total   int   `json:"total"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms"`
}

// writeJSON encodes v in full before writing; an encoding failure is a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.internalError(w, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

// readingsResponse is the /readings body. Unknown identity fields are
// omitted, like absent sample fields.
type readingsResponse struct {
	OBDData         []models.TelemetrySample `json:"obd_data"`
	DeviceState     string                   `json:"device_state"`
	ProtocolVersion string                   `json:"protocol_version,omitempty"`
	VIN             string                   `json:"vin,omitempty"`
	SpareTankLevel  *float64                 `json:"spare_tank_level,omitempty"`
}

type flagResponse struct {
	Status int `json:"status"`
}

// Handlers

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	dev := s.state.Device()
	resp := readingsResponse{
		OBDData:         s.samples.QueryWindow(s.window),
		DeviceState:     dev.StateString(),
		ProtocolVersion: dev.Protocol,
		VIN:             dev.VIN,
	}
	if v, ok := s.state.SpareTankLevel(); ok {
		resp.SpareTankLevel = models.Float(v)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearReadings(w http.ResponseWriter, r *http.Request) {
	s.samples.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLevels(w http.ResponseWriter, r *http.Request) {
	l, err := s.levels.LatestNormalized(r.Context())
	if errors.Is(err, levels.ErrNoLevels) {
		writeError(w, http.StatusNotFound, "no_levels", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleRecordLevels(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)

	var l models.TankLevels
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := l.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	saved, err := s.levels.Record(r.Context(), l)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleLevelsHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	hist, err := s.levels.History(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{
		Data: hist,
		Meta: meta{Total: len(hist), Limit: limit, QueryMs: time.Since(start).Milliseconds()},
	})
}

func (s *Server) handleHasNewReading(w http.ResponseWriter, r *http.Request) {
	status := 0
	if s.state.HasNewReading() {
		status = 1
	}
	s.writeJSON(w, http.StatusOK, flagResponse{Status: status})
}

func (s *Server) handleConsumeNewReading(w http.ResponseWriter, r *http.Request) {
	if s.state.ConsumeNewReading() {
		s.logger.Debug().Msg("new reading consumed")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.prefs.ListPreferences(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, err := s.prefs.GetPreference(r.Context(), key)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "preference "+key+" is not set")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	r.Body = http.MaxBytesReader(w, r.Body, 1<<12)

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := db.ValidatePreference(key, body.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	if err := s.prefs.SetPreference(r.Context(), key, body.Value); err != nil {
		s.internalError(w, err)
		return
	}
	s.logger.Info().Str("key", key).Msg("preference updated")
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	dbStatus := "ok"
	if err := s.prefs.Ping(r.Context()); err != nil {
		status, dbStatus = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"database":     dbStatus,
		"device_state": s.state.Device().StateString(),
		"samples":      s.samples.Len(),
		"uptime_s":     int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.prefs.GetStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats["stored_samples"] = s.samples.Len()
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}
