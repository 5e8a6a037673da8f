package observer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"civicledger/pkg/errutil"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

func registerHandlers(mux *runtime.ServeMux, svc *Service) error {
	paths := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/actions/report", svc.handleReport},
		{http.MethodGet, "/v1/rewards/events", svc.handleRecentEvents},
		{http.MethodGet, "/v1/rewards/ledger", svc.handleHistory},
		{http.MethodGet, "/v1/rewards/ledger/pending", svc.handlePendingEntries},
		{http.MethodPost, "/v1/rewards/ledger/{entry_id}/retry", svc.handleRetry},
		{http.MethodGet, "/v1/rewards/stats", svc.handleStatistics},
		{http.MethodGet, "/v1/rewards/export", svc.handleExport},
		{http.MethodPost, "/v1/rewards/import", svc.handleImport},
	}

	for _, p := range paths {
		if err := mux.HandlePath(p.method, p.pattern, p.handler); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type reportRequest struct {
	Route   string         `json:"route"`
	Payload map[string]any `json:"payload"`
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}
	if req.Route == "" {
		errutil.WriteHTTPError(w, errutil.BadRequest("route is required"))
		return
	}

	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	req.Payload["route"] = req.Route

	s.Report(r.Context(), req.Route, req.Payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleRecentEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.RecentEvents(r.Context(), limit)
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	entries, err := s.History(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Service) handlePendingEntries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	entries, err := s.PendingEntries(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Service) handleRetry(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	entry, err := s.Retry(r.Context(), pathParams["entry_id"])
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Service) handleStatistics(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	stats, err := s.Statistics(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	snap, err := s.Export(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var snap Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	if err := s.Import(r.Context(), &snap); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}
