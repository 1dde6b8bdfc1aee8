package api

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelops/selfheal/internal/engine"
	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/internal/storage"
	"github.com/sentinelops/selfheal/pkg/errors"
)

// Handler serves the resilience engine's HTTP surface
type Handler struct {
	engine *engine.Engine
	redis  *storage.RedisClient
}

// NewHandler creates the API handler. redis may be nil when no cache backend
// is configured.
func NewHandler(eng *engine.Engine, redis *storage.RedisClient) *Handler {
	return &Handler{
		engine: eng,
		redis:  redis,
	}
}

// ProbeSpec configures a service's health probe over the wire
type ProbeSpec struct {
	// Type is one of "http", "storage" or "static"
	Type string `json:"type"`
	// URL is required for http probes
	URL string `json:"url,omitempty"`
}

// RegisterServiceRequest is the registration payload: the service descriptor
// plus an optional probe definition
type RegisterServiceRequest struct {
	engine.ServiceDescriptor
	Probe *ProbeSpec `json:"probe,omitempty"`
}

// Healthz is the process liveness endpoint
func (h *Handler) Healthz(c *gin.Context) {
	SuccessResponse(c, gin.H{"status": "ok"})
}

// Readyz reports readiness, including the cache backend when configured
func (h *Handler) Readyz(c *gin.Context) {
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.redis.Health(ctx); err != nil {
			ErrorResponseFromError(c, errors.NewExternalError("redis", err.Error()))
			return
		}
	}

	SuccessResponse(c, gin.H{"status": "ready"})
}

// GetHealth returns every service's health plus the aggregate view
func (h *Handler) GetHealth(c *gin.Context) {
	SuccessResponse(c, h.engine.GetHealth())
}

// GetMetrics returns current and historical system metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	SuccessResponse(c, h.engine.GetMetrics())
}

// ListServices returns health records for all registered services
func (h *Handler) ListServices(c *gin.Context) {
	SuccessResponse(c, h.engine.GetHealth().Services)
}

// GetService returns one service's health record
func (h *Handler) GetService(c *gin.Context) {
	report := h.engine.GetHealth()
	serviceHealth, ok := report.Services[c.Param("id")]
	if !ok {
		NotFoundResponse(c, "service not registered")
		return
	}
	SuccessResponse(c, serviceHealth)
}

// RegisterService registers a new service from a JSON descriptor
func (h *Handler) RegisterService(c *gin.Context) {
	var req RegisterServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	probe, err := h.buildProbe(req)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	req.ServiceDescriptor.ServiceConfig.Probe = probe

	if err := h.engine.RegisterService(req.ServiceDescriptor); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, gin.H{"id": req.ID})
}

func (h *Handler) buildProbe(req RegisterServiceRequest) (health.Probe, error) {
	if req.Probe == nil {
		return nil, nil
	}

	switch req.Probe.Type {
	case "http":
		if req.Probe.URL == "" {
			return nil, errors.NewValidationError("http probe requires a url")
		}
		return health.NewHTTPProbe(req.Probe.URL, req.Timeout), nil
	case "storage":
		if h.redis == nil {
			return nil, errors.NewValidationError("storage probe requires a configured redis backend")
		}
		return health.NewStorageProbe(h.redis, req.ID), nil
	case "static", "":
		return health.StaticProbe{}, nil
	default:
		return nil, errors.NewValidationError("unknown probe type: " + req.Probe.Type)
	}
}

// UnregisterService removes a service
func (h *Handler) UnregisterService(c *gin.Context) {
	if err := h.engine.UnregisterService(c.Param("id")); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"id": c.Param("id")})
}

// CheckService forces an immediate probe
func (h *Handler) CheckService(c *gin.Context) {
	snapshot, err := h.engine.CheckHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, snapshot)
}

// RecoverService manually triggers recovery
func (h *Handler) RecoverService(c *gin.Context) {
	recovered := h.engine.Recover(c.Request.Context(), c.Param("id"))
	SuccessResponse(c, gin.H{
		"service_id": c.Param("id"),
		"recovered":  recovered,
	})
}

// GetFeature reports whether a feature gate is open
func (h *Handler) GetFeature(c *gin.Context) {
	name := c.Param("name")
	SuccessResponse(c, gin.H{
		"name":    name,
		"enabled": h.engine.IsFeatureEnabled(name),
	})
}

// GetFallback retrieves a stored fallback response
func (h *Handler) GetFallback(c *gin.Context) {
	value, ok := h.engine.GetFallbackResponse(c.Param("key"))
	if !ok {
		NotFoundResponse(c, "no fallback response for key")
		return
	}
	SuccessResponse(c, gin.H{
		"key":   c.Param("key"),
		"value": value,
	})
}

// PutFallback stores a fallback response payload
func (h *Handler) PutFallback(c *gin.Context) {
	var value interface{}
	if err := c.ShouldBindJSON(&value); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	h.engine.SetFallbackResponse(c.Param("key"), value)
	SuccessResponse(c, gin.H{"key": c.Param("key")})
}

// GetEvents returns recent health events, newest last
func (h *Handler) GetEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	SuccessResponse(c, h.engine.Events(limit))
}
