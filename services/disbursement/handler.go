package disbursement

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
		{http.MethodPost, "/v1/payouts", svc.handleSubmit},
		{http.MethodGet, "/v1/payouts", svc.handleRecent},
		{http.MethodGet, "/v1/payouts/export", svc.handleExport},
		{http.MethodPost, "/v1/payouts/import", svc.handleImport},
		{http.MethodGet, "/v1/payouts/{payout_id}", svc.handleStatus},
		{http.MethodGet, "/v1/payouts/{payout_id}/audit", svc.handleAuditTrail},
		{http.MethodPost, "/v1/payouts/{payout_id}/cancel", svc.handleCancel},
		{http.MethodPost, "/v1/settlement-nodes", svc.handleRegisterNode},
		{http.MethodGet, "/v1/settlement-nodes", svc.handleNodes},
		{http.MethodPost, "/v1/settlement-nodes/{node_id}/status", svc.handleNodeStatus},
		{http.MethodGet, "/v1/network/metrics", svc.handleNetworkMetrics},
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

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	result, err := s.Submit(r.Context(), req)
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Service) handleRecent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	payouts, err := s.Recent(r.Context(), limit)
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	payout, err := s.Status(r.Context(), pathParams["payout_id"])
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (s *Service) handleAuditTrail(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	entries, err := s.AuditTrail(r.Context(), pathParams["payout_id"])
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := s.Cancel(r.Context(), pathParams["payout_id"]); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

func (s *Service) handleRegisterNode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var node SettlementNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	if err := s.RegisterNode(r.Context(), &node); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Service) handleNodes(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	nodes, err := s.Nodes(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

type nodeStatusRequest struct {
	Status string `json:"status"`
}

func (s *Service) handleNodeStatus(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req nodeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	if err := s.SetNodeStatus(r.Context(), pathParams["node_id"], req.Status); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Service) handleNetworkMetrics(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	metrics, err := s.NetworkMetrics(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
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
