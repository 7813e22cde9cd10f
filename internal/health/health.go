// Package health tracks per-component health and exposes it over HTTP
// (/healthz, /readyz) and the standard gRPC health service.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aslanahmtv/notification-service/internal/broker"
	"github.com/aslanahmtv/notification-service/internal/httputil"
)

// Status is the health of one component. Higher is worse.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFatal:
		return "fatal"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Component names reported by the service.
const (
	ComponentConsumer = "consumer"
	ComponentStore    = "store"
)

// ComponentStatus is the last report of one component.
type ComponentStatus struct {
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// Reporter aggregates component health. Every component starts degraded
// until it reports otherwise.
type Reporter struct {
	clock clock.Clock

	mu         sync.RWMutex
	components map[string]ComponentStatus

	grpc *health.Server
}

// NewReporter creates a Reporter tracking the named components.
func NewReporter(clk clock.Clock, components ...string) *Reporter {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &Reporter{
		clock:      clk,
		components: make(map[string]ComponentStatus, len(components)),
		grpc:       health.NewServer(),
	}
	now := clk.Now()
	for _, c := range components {
		r.components[c] = ComponentStatus{Status: StatusDegraded, Detail: "starting", Since: now}
		r.grpc.SetServingStatus(c, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	r.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Set records the status of component and updates the gRPC view.
func (r *Reporter) Set(component string, s Status, detail string) {
	r.mu.Lock()
	prev, ok := r.components[component]
	if ok && prev.Status == s && prev.Detail == detail {
		r.mu.Unlock()
		return
	}
	since := r.clock.Now()
	if ok && prev.Status == s {
		since = prev.Since
	}
	r.components[component] = ComponentStatus{Status: s, Detail: detail, Since: since}
	overall := r.overallLocked()
	r.mu.Unlock()

	r.grpc.SetServingStatus(component, servingStatus(s))
	r.grpc.SetServingStatus("", servingStatus(overall))
}

// Overall returns the worst component status.
func (r *Reporter) Overall() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overallLocked()
}

func (r *Reporter) overallLocked() Status {
	worst := StatusOK
	for _, c := range r.components {
		if c.Status > worst {
			worst = c.Status
		}
	}
	return worst
}

// Snapshot copies the current component table.
func (r *Reporter) Snapshot() map[string]ComponentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ComponentStatus, len(r.components))
	for k, v := range r.components {
		out[k] = v
	}
	return out
}

// GRPCServer returns the health service to register on a grpc.Server.
func (r *Reporter) GRPCServer() healthpb.HealthServer {
	return r.grpc
}

// Shutdown flips every gRPC status to NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.grpc.Shutdown()
}

func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusOK {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ConsumerListener maps broker consumer states onto the consumer component.
func (r *Reporter) ConsumerListener() broker.StateListener {
	return func(s broker.State) {
		switch s {
		case broker.StateConsuming:
			r.Set(ComponentConsumer, StatusOK, s.String())
		case broker.StateFailed:
			r.Set(ComponentConsumer, StatusFatal, s.String())
		default:
			r.Set(ComponentConsumer, StatusDegraded, s.String())
		}
	}
}

// Probe runs check every interval until ctx ends and records the result
// under component.
func (r *Reporter) Probe(ctx context.Context, component string, interval time.Duration, check func(context.Context) error) {
	for {
		cctx, cancel := context.WithTimeout(ctx, interval)
		err := check(cctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.Set(component, StatusDegraded, err.Error())
		} else {
			r.Set(component, StatusOK, "")
		}

		timer := r.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

type report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

// RegisterRoutes wires /healthz (fails only when fatal) and /readyz (fails
// unless every component is ok).
func (r *Reporter) RegisterRoutes(rt *mux.Router) {
	rt.HandleFunc("/healthz", r.handle(StatusFatal)).Methods(http.MethodGet)
	rt.HandleFunc("/readyz", r.handle(StatusDegraded)).Methods(http.MethodGet)
}

func (r *Reporter) handle(failAt Status) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := report{Status: r.Overall(), Components: r.Snapshot()}
		status := http.StatusOK
		if rep.Status >= failAt {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, rep)
	}
}
