// Package models serves the cached catalog of models the proxy exposes.
package models

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/registry"
)

// Handler serves the /models route.
type Handler struct {
	registry *registry.ModelRegistry
}

func NewHandler(reg *registry.ModelRegistry) *Handler {
	return &Handler{registry: reg}
}

// List returns the served-model catalog in OpenAI listing shape.
func (h *Handler) List(c *gin.Context) {
	models, err := h.registry.Models(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "proxy backend timed out"})
		case errors.Is(err, proxy.ErrUnconfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy backend not configured"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	if models == nil {
		models = []registry.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}
