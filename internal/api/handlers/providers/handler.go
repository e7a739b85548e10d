// Package providers exposes the dashboard CRUD surface for custom provider
// entries. Every write commits locally first and reports the remote merge
// result alongside the record, so a failed sync never hides a successful
// local change.
package providers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/middleware"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
	enginesync "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/sync"
)

// Handler serves the /providers routes.
type Handler struct {
	engine *enginesync.Engine
	store  *store.Store
}

func NewHandler(engine *enginesync.Engine, st *store.Store) *Handler {
	return &Handler{engine: engine, store: st}
}

type createRequest struct {
	ExternalID        string               `json:"externalId"`
	DisplayName       string               `json:"displayName"`
	BaseURL           string               `json:"baseUrl"`
	Secret            string               `json:"secret"`
	RoutingPrefix     string               `json:"routingPrefix"`
	EgressProxyURL    string               `json:"egressProxyUrl"`
	ExtraHeaders      map[string]string    `json:"extraHeaders"`
	ModelMappings     []store.ModelMapping `json:"modelMappings"`
	ExclusionPatterns []string             `json:"exclusionPatterns"`
}

type updateRequest struct {
	DisplayName       *string              `json:"displayName"`
	BaseURL           *string              `json:"baseUrl"`
	Secret            *string              `json:"secret"`
	RoutingPrefix     *string              `json:"routingPrefix"`
	EgressProxyURL    *string              `json:"egressProxyUrl"`
	ExtraHeaders      map[string]string    `json:"extraHeaders"`
	ModelMappings     []store.ModelMapping `json:"modelMappings"`
	ExclusionPatterns *[]string            `json:"exclusionPatterns"`
}

type reorderRequest struct {
	OrderedIDs []string `json:"orderedIds"`
}

// List returns the caller's providers in sort order.
func (h *Handler) List(c *gin.Context) {
	user := middleware.ActingUser(c)
	records, err := h.store.ListProvidersByOwner(c.Request.Context(), user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": records})
}

// Get returns one provider owned by the caller.
func (h *Handler) Get(c *gin.Context) {
	user := middleware.ActingUser(c)
	rec, err := h.store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if rec.OwnerUserID != user {
		c.JSON(http.StatusForbidden, gin.H{"error": "provider belongs to another user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": rec})
}

// Create registers a provider and pushes it to the proxy.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	rec, outcome, err := h.engine.Create(c.Request.Context(), enginesync.CreateInput{
		OwnerUserID:       middleware.ActingUser(c),
		ExternalID:        req.ExternalID,
		DisplayName:       req.DisplayName,
		BaseURL:           req.BaseURL,
		Secret:            req.Secret,
		RoutingPrefix:     req.RoutingPrefix,
		EgressProxyURL:    req.EgressProxyURL,
		ExtraHeaders:      req.ExtraHeaders,
		ModelMappings:     req.ModelMappings,
		ExclusionPatterns: req.ExclusionPatterns,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, providerResponse(rec, outcome))
}

// Update applies a partial update to the caller's provider.
func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	rec, outcome, err := h.engine.Update(c.Request.Context(), middleware.ActingUser(c), c.Param("id"), enginesync.UpdateInput{
		DisplayName:       req.DisplayName,
		BaseURL:           req.BaseURL,
		Secret:            req.Secret,
		RoutingPrefix:     req.RoutingPrefix,
		EgressProxyURL:    req.EgressProxyURL,
		ExtraHeaders:      req.ExtraHeaders,
		ModelMappings:     req.ModelMappings,
		ExclusionPatterns: req.ExclusionPatterns,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, providerResponse(rec, outcome))
}

// Delete removes the caller's provider locally and from the proxy.
func (h *Handler) Delete(c *gin.Context) {
	outcome, err := h.engine.Delete(c.Request.Context(), middleware.ActingUser(c), c.Param("id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncStatus": syncStatus(outcome), "syncMessage": outcome.Reason})
}

// Reorder rewrites the caller's provider order.
func (h *Handler) Reorder(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	records, outcome, err := h.engine.Reorder(c.Request.Context(), middleware.ActingUser(c), req.OrderedIDs)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"providers":   records,
		"syncStatus":  syncStatus(outcome),
		"syncMessage": outcome.Reason,
	})
}

func providerResponse(rec *store.ProviderRecord, outcome enginesync.Outcome) gin.H {
	return gin.H{
		"provider":    rec,
		"syncStatus":  syncStatus(outcome),
		"syncMessage": outcome.Reason,
	}
}

func syncStatus(outcome enginesync.Outcome) string {
	if outcome.OK {
		return "ok"
	}
	return "failed"
}

func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, enginesync.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, enginesync.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "provider belongs to another user"})
	default:
		writeStoreError(c, err)
	}
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrProviderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
	case errors.Is(err, store.ErrDuplicateExternalID), errors.Is(err, store.ErrDuplicateDisplayName):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
