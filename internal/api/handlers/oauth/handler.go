// Package oauth exposes the claim flow and the claimed-account ledger over
// HTTP. The proxy backend performs the token exchange; these routes bind
// the resulting credential files to dashboard users.
package oauth

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api/middleware"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/claim"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
)

// Handler serves the /oauth routes.
type Handler struct {
	claims *claim.Engine
	store  *store.Store
}

func NewHandler(claims *claim.Engine, st *store.Store) *Handler {
	return &Handler{claims: claims, store: st}
}

type claimRequest struct {
	Provider         string `json:"provider"`
	CallbackURL      string `json:"callbackUrl"`
	State            string `json:"state"`
	CorrelationToken string `json:"correlationToken"`
}

// Claim runs one claim attempt for the acting user. Providers whose flow
// needs a code/state exchange pass the authority's redirect in callbackUrl;
// its code and state query parameters are relayed to the proxy. A completed
// claim returns 200 with the bound account; an exchange still in flight
// returns 202 so the caller can retry.
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	code, state := "", req.State
	if req.CallbackURL != "" {
		parsed, err := url.Parse(req.CallbackURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid callbackUrl"})
			return
		}
		code = parsed.Query().Get("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "callbackUrl is missing the code parameter"})
			return
		}
		if s := parsed.Query().Get("state"); s != "" {
			state = s
		}
	}

	result, err := h.claims.Claim(c.Request.Context(), claim.Request{
		OwnerUserID:      middleware.ActingUser(c),
		Provider:         req.Provider,
		Code:             code,
		State:            state,
		CorrelationToken: req.CorrelationToken,
	})
	if err != nil {
		writeClaimError(c, err)
		return
	}

	switch result.Status {
	case claim.StatusClaimed:
		c.JSON(http.StatusOK, gin.H{"status": result.Status, "account": result.Account})
	case claim.StatusPending:
		c.JSON(http.StatusAccepted, gin.H{"status": result.Status})
	case claim.StatusRelayFailed:
		c.JSON(result.UpstreamStatus, gin.H{"status": result.Status, "upstreamStatus": result.UpstreamStatus})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown claim status"})
	}
}

// Accounts lists the acting user's claimed accounts, newest first.
func (h *Handler) Accounts(c *gin.Context) {
	records, err := h.store.ListAccountsByOwner(c.Request.Context(), middleware.ActingUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": records})
}

// ReleaseAccount drops the acting user's claim on one account. The proxy
// keeps the credential file; only the ownership binding is removed.
func (h *Handler) ReleaseAccount(c *gin.Context) {
	name := c.Param("name")
	err := h.store.DeleteAccount(c.Request.Context(), middleware.ActingUser(c), name)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": name})
}

func writeClaimError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, claim.ErrMissingOwner), errors.Is(err, claim.ErrMissingProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, proxy.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "proxy backend timed out"})
	case errors.Is(err, proxy.ErrUnconfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy backend not configured"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
