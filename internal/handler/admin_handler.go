package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gravity2api/internal/service"
)

// AdminHandler is the operator surface: tenants, accounts, the OAuth
// handshake, and quota views.
type AdminHandler struct {
	userRepo    service.UserRepository
	accountRepo service.AccountRepository
	quotaRepo   service.QuotaRepository
	logRepo     service.ConsumptionLogRepository
	quota       *service.QuotaService
	oauth       *service.OAuthService
	probe       *service.AccountProbeService
}

func NewAdminHandler(
	userRepo service.UserRepository,
	accountRepo service.AccountRepository,
	quotaRepo service.QuotaRepository,
	logRepo service.ConsumptionLogRepository,
	quota *service.QuotaService,
	oauth *service.OAuthService,
	probe *service.AccountProbeService,
) *AdminHandler {
	return &AdminHandler{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		quotaRepo:   quotaRepo,
		logRepo:     logRepo,
		quota:       quota,
		oauth:       oauth,
		probe:       probe,
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "invalid id")
		return 0, false
	}
	return id, true
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-gw-" + hex.EncodeToString(buf), nil
}

// CreateUser handles POST /admin/users. The API key is generated server-side
// and returned exactly once.
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req struct {
		Name         string `json:"name" binding:"required"`
		PreferShared bool   `json:"prefer_shared"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	apiKey, err := newAPIKey()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", "key generation failed")
		return
	}
	user := &service.User{
		Name:         req.Name,
		APIKey:       apiKey,
		PreferShared: req.PreferShared,
		Enabled:      true,
	}
	if err := h.userRepo.Create(c.Request.Context(), user); err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user, "api_key": apiKey})
}

// ListUsers handles GET /admin/users.
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.userRepo.List(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// UpdateUser handles PATCH /admin/users/:id; toggles enablement and pool
// precedence.
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Enabled      *bool `json:"enabled"`
		PreferShared *bool `json:"prefer_shared"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.Enabled != nil {
		if err := h.userRepo.SetEnabled(ctx, id, *req.Enabled); err != nil {
			errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
	}
	if req.PreferShared != nil {
		if err := h.userRepo.SetPreferShared(ctx, id, *req.PreferShared); err != nil {
			errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
	}
	user, err := h.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", "user not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ListAccounts handles GET /admin/accounts.
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.accountRepo.List(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// UpdateAccount handles PATCH /admin/accounts/:id; re-enabling clears the
// needs-reauth flag.
func (h *AdminHandler) UpdateAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "enabled is required")
		return
	}
	if err := h.accountRepo.SetEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

// DeleteAccount handles DELETE /admin/accounts/:id.
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.accountRepo.Delete(c.Request.Context(), id); err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ProbeAccount handles POST /admin/accounts/:id/probe.
func (h *AdminHandler) ProbeAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.probe.Probe(c.Request.Context(), id, req.Model)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", "account not found")
			return
		}
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// AccountQuotas handles GET /admin/accounts/:id/quotas.
func (h *AdminHandler) AccountQuotas(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	quotas, err := h.quotaRepo.ListModelQuotasByAccount(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "quotas": quotas})
}

// SetModelAvailability handles PUT /admin/accounts/:id/quotas/:model, the
// manual availability override.
func (h *AdminHandler) SetModelAvailability(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	model := c.Param("model")
	var req struct {
		Available *bool `json:"available"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "available is required")
		return
	}
	if err := h.quotaRepo.SetModelAvailability(c.Request.Context(), id, model, *req.Available); err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "model": model, "available": *req.Available})
}

// SharedPoolView handles GET /admin/quota/shared?model=..., the aggregate
// over the shared-account supply.
func (h *AdminHandler) SharedPoolView(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model query parameter is required")
		return
	}
	agg, err := h.quota.AggregateSharedPool(c.Request.Context(), model)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, agg)
}

// UserSharedPools handles GET /admin/users/:id/quota; per-model shared pool
// rows for one tenant.
func (h *AdminHandler) UserSharedPools(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	models := c.QueryArray("model")
	pools, err := h.quotaRepo.ListSharedPools(c.Request.Context(), id, models)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id, "pools": pools})
}

// ConsumptionReport handles GET /admin/consumption?user_id=&since=.
func (h *AdminHandler) ConsumptionReport(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid_request_error", "since must be RFC3339")
			return
		}
		since = parsed
	}
	var userID *int64
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid_request_error", "invalid user_id")
			return
		}
		userID = &id
	}
	entries, err := h.logRepo.Report(c.Request.Context(), userID, since)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "entries": entries})
}

// OAuthURL handles POST /admin/oauth/url: register a pending handshake.
func (h *AdminHandler) OAuthURL(c *gin.Context) {
	var req service.BeginAuthInput
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	authURL, state, err := h.oauth.BeginAuth(req)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": state})
}

// OAuthExchange handles POST /admin/oauth/exchange: complete the handshake
// and create the account.
func (h *AdminHandler) OAuthExchange(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	account, err := h.oauth.CompleteAuth(c.Request.Context(), req.State, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "not_found", "oauth state not found or expired")
			return
		}
		errorResponse(c, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": account})
}
