package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/upb/rag-gateway/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// HealthChecker is a dependency that can report its health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthResponse represents the readiness response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks map[string]HealthChecker
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. checks may be empty.
func NewHealthHandler(checks map[string]HealthChecker, logger *zap.Logger) *HealthHandler {
	if checks == nil {
		checks = map[string]HealthChecker{}
	}
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

// HandleHealth handles GET /health
// Liveness only: 200 whenever the process serves requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness handles GET /readyz
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		g      errgroup.Group
		checks = make(map[string]string, len(h.checks))
	)

	for _, name := range h.checkNames() {
		name, checker := name, h.checks[name]
		g.Go(func() error {
			err := checker.HealthCheck(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				checks[name] = "unhealthy"
				return fmt.Errorf("%s: %w", name, err)
			}
			checks[name] = "healthy"
			return nil
		})
	}

	status, httpStatus := "ready", http.StatusOK
	if err := g.Wait(); err != nil {
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkNames() []string {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
