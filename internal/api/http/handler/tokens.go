package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardenhq/warden/internal/api/http/dto"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/token"
)

type TokensHandler struct {
	tokens   *token.Manager
	registry *server.Registry
}

func NewTokensHandler(tokens *token.Manager, registry *server.Registry) *TokensHandler {
	return &TokensHandler{
		tokens:   tokens,
		registry: registry,
	}
}

// ListTokens returns every token record with its connection status
// GET /tokens
func (h *TokensHandler) ListTokens(c *gin.Context) {
	records, err := h.tokens.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, h.listResponse(records))
}

// ListPending returns records awaiting approval
// GET /tokens/pending
func (h *TokensHandler) ListPending(c *gin.Context) {
	records, err := h.tokens.Pending(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list pending tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending tokens"})
		return
	}
	c.JSON(http.StatusOK, h.listResponse(records))
}

func (h *TokensHandler) listResponse(records []token.Record) dto.ListTokensResponse {
	responses := make([]dto.TokenResponse, len(records))
	for i, rec := range records {
		_, connected := h.registry.Get(rec.Hostname)
		responses[i] = dto.TokenResponse{
			Hostname:         rec.Hostname,
			State:            string(rec.State),
			TokenFingerprint: token.Fingerprint(rec.Token),
			RequestedIP:      rec.RequestedIP,
			Connected:        connected,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
		}
	}
	return dto.ListTokensResponse{Tokens: responses, Count: len(responses)}
}

// CreateToken manually creates an approved token, equivalent to the console's
// addtoken. The token value is only returned here, once.
// POST /tokens
func (h *TokensHandler) CreateToken(c *gin.Context) {
	var req dto.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hostname is required"})
		return
	}

	rec, err := h.tokens.Add(c.Request.Context(), req.Hostname)
	if err != nil {
		if errors.Is(err, token.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "token already exists for hostname"})
			return
		}
		slog.Error("Failed to create token", "error", err, "hostname", req.Hostname)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateTokenResponse{
		Hostname: rec.Hostname,
		Token:    rec.Token,
	})
}

// ApproveToken approves a pending request
// POST /tokens/:hostname/approve
func (h *TokensHandler) ApproveToken(c *gin.Context) {
	h.transition(c, "approve", h.tokens.Approve)
}

// DenyToken denies a pending request
// POST /tokens/:hostname/deny
func (h *TokensHandler) DenyToken(c *gin.Context) {
	h.transition(c, "deny", h.tokens.Deny)
}

// RevokeToken revokes an approved token and disconnects the agent if online
// POST /tokens/:hostname/revoke
func (h *TokensHandler) RevokeToken(c *gin.Context) {
	hostname := c.Param("hostname")
	rec, ok := h.applyTransition(c, "revoke", hostname, h.tokens.Revoke)
	if !ok {
		return
	}

	h.registry.NotifyStatus(hostname, protocol.StatusRevoked)
	if h.registry.Kick(hostname) {
		slog.Info("Agent disconnected after revocation", "hostname", hostname)
	}

	c.JSON(http.StatusOK, gin.H{"hostname": rec.Hostname, "state": string(rec.State)})
}

// RenewToken renews a revoked token
// POST /tokens/:hostname/renew
func (h *TokensHandler) RenewToken(c *gin.Context) {
	h.transition(c, "renew", h.tokens.Renew)
}

// DeleteToken permanently removes a token and disconnects the agent if online
// DELETE /tokens/:hostname
func (h *TokensHandler) DeleteToken(c *gin.Context) {
	hostname := c.Param("hostname")

	h.registry.NotifyStatus(hostname, protocol.StatusInvalid)
	h.registry.Kick(hostname)

	if err := h.tokens.Delete(c.Request.Context(), hostname); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		slog.Error("Failed to delete token", "error", err, "hostname", hostname)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token deleted"})
}

func (h *TokensHandler) transition(c *gin.Context, op string, fn func(context.Context, string) (*token.Record, error)) {
	hostname := c.Param("hostname")
	rec, ok := h.applyTransition(c, op, hostname, fn)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"hostname": rec.Hostname, "state": string(rec.State)})
}

func (h *TokensHandler) applyTransition(c *gin.Context, op, hostname string, fn func(context.Context, string) (*token.Record, error)) (*token.Record, bool) {
	rec, err := fn(c.Request.Context(), hostname)
	if err != nil {
		var terr *token.TransitionError
		switch {
		case errors.Is(err, token.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		case errors.As(err, &terr):
			c.JSON(http.StatusConflict, gin.H{"error": terr.Error()})
		default:
			slog.Error("Token transition failed", "error", err, "op", op, "hostname", hostname)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op + " token"})
		}
		return nil, false
	}
	return rec, true
}
