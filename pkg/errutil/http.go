package errutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// WriteHTTPError normalises a domain error into a JSON error response so
// handlers can safely return it to the transport layer.
func WriteHTTPError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if errors.Is(err, context.Canceled) {
		w.WriteHeader(499)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	var base BaseError
	if errors.As(err, &base) {
		w.WriteHeader(base.Code.HTTPStatus())
		_ = json.NewEncoder(w).Encode(base.JSON())
		return
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		w.WriteHeader(coder.Status().HTTPStatus())
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
