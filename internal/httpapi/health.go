package httpapi

import (
	"context"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

// Healthz is the liveness probe: the process is up and serving.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz is the readiness probe: both stateful dependencies answer.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	if err := s.Pools.Primary.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "postgres unavailable", Code: "storage_unavailable"})
		return
	}
	if err := s.Redis.Command.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "redis unavailable", Code: "queue_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type dependencyHealth struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthDetails struct {
	Status   string           `json:"status"`
	Postgres dependencyHealth `json:"postgres"`
	Replica  *replicaHealth   `json:"replica,omitempty"`
	Redis    dependencyHealth `json:"redis"`
	Delivery deliveryHealth   `json:"delivery"`
	Fabric   fabricHealth     `json:"fabric"`
}

type replicaHealth struct {
	OK    bool   `json:"ok"`
	LagMs int64  `json:"lagMs"`
	Stale bool   `json:"stale"` // lag exceeds the read-routing threshold
	Error string `json:"error,omitempty"`
}

type deliveryHealth struct {
	StreamLen int64  `json:"streamLen"`
	Pending   int64  `json:"pending"`
	Error     string `json:"error,omitempty"`
}

type fabricHealth struct {
	LocalConnections int `json:"localConnections"`
}

// HealthDetails reports per-dependency state for operators. Always 200; the
// payload carries the verdicts.
func (s *Server) HealthDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	out := healthDetails{Status: "ok"}

	start := time.Now()
	if err := s.Pools.Primary.Ping(ctx); err != nil {
		out.Postgres = dependencyHealth{OK: false, Error: err.Error()}
		out.Status = "degraded"
	} else {
		out.Postgres = dependencyHealth{OK: true, LatencyMs: time.Since(start).Milliseconds()}
	}

	if s.Pools.Replica != nil {
		rh := &replicaHealth{OK: true}
		lag, err := s.Pools.ReplicaLag(ctx)
		if err != nil {
			rh.OK = false
			rh.Error = err.Error()
			out.Status = "degraded"
		} else {
			rh.LagMs = lag.Milliseconds()
			rh.Stale = lag > s.ReplicaMaxLag
		}
		out.Replica = rh
	}

	start = time.Now()
	if err := s.Redis.Command.Ping(ctx).Err(); err != nil {
		out.Redis = dependencyHealth{OK: false, Error: err.Error()}
		out.Status = "degraded"
	} else {
		out.Redis = dependencyHealth{OK: true, LatencyMs: time.Since(start).Milliseconds()}
	}

	if n, err := s.DLog.Len(ctx); err != nil {
		out.Delivery.Error = err.Error()
		out.Status = "degraded"
	} else {
		out.Delivery.StreamLen = n
		if p, err := s.DLog.Pending(ctx); err == nil {
			out.Delivery.Pending = p.Count
		}
	}

	if s.Hub != nil {
		out.Fabric.LocalConnections = s.Hub.LocalConnections()
	}

	writeJSON(w, http.StatusOK, out)
}
