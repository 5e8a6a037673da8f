package trigger

import (
	"encoding/json"
	"net/http"
	"strings"

	"civicledger/pkg/errutil"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// registerHandlers exposes the registry over HTTP. Mutating endpoints are
// administrative; the query surface is consumed by presentation components.
func registerHandlers(mux *runtime.ServeMux, svc *Service) error {
	paths := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/trigger-rules", svc.handleRegister},
		{http.MethodGet, "/v1/trigger-rules", svc.handleList},
		{http.MethodGet, "/v1/trigger-rules/stats", svc.handleStatistics},
		{http.MethodGet, "/v1/trigger-rules/{rule_id}", svc.handleGet},
		{http.MethodPost, "/v1/trigger-rules/{rule_id}/validate", svc.handleValidate},
		{http.MethodPost, "/v1/trigger-rules/{rule_id}/enable", svc.handleEnable},
		{http.MethodPost, "/v1/trigger-rules/{rule_id}/disable", svc.handleDisable},
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

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var rule TriggerRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	if err := s.Register(r.Context(), &rule); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()

	var (
		rules []TriggerRule
		err   error
	)
	switch {
	case q.Get("tier") != "":
		rules, err = s.ListEligible(r.Context(), q.Get("tier"))
	case q.Get("category") != "":
		rules, err = s.ListByCategory(r.Context(), q.Get("category"))
	default:
		rules, err = s.ListActive(r.Context())
	}
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	rule, err := s.Get(r.Context(), pathParams["rule_id"])
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var vctx ValidationContext
	if err := json.NewDecoder(r.Body).Decode(&vctx); err != nil {
		errutil.WriteHTTPError(w, errutil.BadRequest("invalid request body"))
		return
	}

	result, err := s.Validate(r.Context(), strings.TrimSpace(pathParams["rule_id"]), vctx)
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleEnable(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := s.Enable(r.Context(), pathParams["rule_id"]); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Service) handleDisable(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := s.Disable(r.Context(), pathParams["rule_id"]); err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Service) handleStatistics(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	stats, err := s.Statistics(r.Context())
	if err != nil {
		errutil.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
