package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("httpapi",
	fx.Invoke(registerHealthEndpoints),
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Health struct {
	Status string       `json:"status"`
	Deps   []Dependency `json:"deps,omitempty"`
}

type healthParams struct {
	fx.In

	Mux   *runtime.ServeMux
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func registerHealthEndpoints(p healthParams) {
	if err := p.Mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Health{Status: "ok"})
	}); err != nil {
		zap.L().Error("failed to register health endpoint", zap.Error(err))
	}

	if err := p.Mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp := Health{Status: "ok"}

		if p.DB != nil {
			dep := Dependency{Name: "database", Status: "ok"}
			if sqlDB, err := p.DB.DB(); err != nil {
				dep.Status = "unavailable"
				dep.Message = err.Error()
			} else if err := sqlDB.PingContext(r.Context()); err != nil {
				dep.Status = "unavailable"
				dep.Message = err.Error()
			}
			resp.Deps = append(resp.Deps, dep)
		}

		if p.Redis != nil {
			dep := Dependency{Name: "redis", Status: "ok"}
			if err := p.Redis.Ping(r.Context()).Err(); err != nil {
				dep.Status = "unavailable"
				dep.Message = err.Error()
			}
			resp.Deps = append(resp.Deps, dep)
		}

		status := http.StatusOK
		for _, dep := range resp.Deps {
			if dep.Status != "ok" {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}); err != nil {
		zap.L().Error("failed to register readiness endpoint", zap.Error(err))
	}
}
