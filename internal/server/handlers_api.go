package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"hapanel/internal/haapi"
)

func jsonData(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func timeRange(r *http.Request, startKey string, endKey string) haapi.TimeRange {
	query := r.URL.Query()
	return haapi.TimeRange{
		EntityID: query.Get("entity_id"),
		Start:    query.Get(startKey),
		End:      query.Get(endKey),
	}
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.States(r.Context(), r.URL.Query().Get("filter")))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.State(r.Context(), mux.Vars(r)["entity_id"]))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.Services(r.Context()))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.Config(r.Context()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.Events(r.Context()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.History(r.Context(), timeRange(r, "start_time", "end_time")))
}

func (s *Server) handleLogbook(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.Logbook(r.Context(), timeRange(r, "start_time", "end_time")))
}

func (s *Server) handleErrorLog(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.ErrorLog(r.Context()))
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.api.Calendars(r.Context(), timeRange(r, "start", "end")))
}

type toggleRequest struct {
	EntityID string `json:"entity_id"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	input := toggleRequest{}
	if err := decodeBody(r, &input); err != nil || strings.TrimSpace(input.EntityID) == "" {
		writeError(w, http.StatusBadRequest, "Missing entity_id parameter")
		return
	}
	writeEnvelope(w, s.api.Toggle(r.Context(), input.EntityID))
}

func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	input := haapi.DeviceAction{}
	if err := decodeBody(r, &input); err != nil || input.EntityID == "" || input.Action == "" {
		writeError(w, http.StatusBadRequest, "Missing entity_id or action parameter")
		return
	}
	writeEnvelope(w, s.api.RunDeviceAction(r.Context(), input))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	data, err := jsonData(s.logs.snapshot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeEnvelope(w, haapi.Envelope{Success: true, Data: data})
}
