package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"gravity2api/internal/middleware"
	"gravity2api/internal/pkg/antigravity"
	"gravity2api/internal/service"
)

// GatewayHandler serves the OpenAI-compatible surface plus the Gemini-shaped
// image endpoint.
type GatewayHandler struct {
	gateway *service.GatewayService
}

func NewGatewayHandler(gateway *service.GatewayService) *GatewayHandler {
	return &GatewayHandler{gateway: gateway}
}

func errorResponse(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{
		"type":    errType,
		"message": message,
	}})
}

// ListModels handles GET /v1/models.
func (h *GatewayHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.gateway.ListModels(c.Request.Context()),
	})
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		errorResponse(c, http.StatusUnauthorized, "authentication_error", "A user API key is required for this endpoint")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Request body is empty or unreadable")
		return
	}

	var req antigravity.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body")
		return
	}
	if req.Model == "" {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	req.Stop = parseStopSequences(body)

	if err := h.gateway.ChatCompletion(c, user, &req); err != nil {
		h.mapGatewayError(c, err)
	}
}

// GenerateImage handles POST /v1beta/models/:modelAction, Gemini style:
// the last path segment is "<model>:generateContent" (":generateImage" is
// accepted as an alias).
func (h *GatewayHandler) GenerateImage(c *gin.Context) {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		errorResponse(c, http.StatusUnauthorized, "authentication_error", "A user API key is required for this endpoint")
		return
	}

	modelAction := c.Param("modelAction")
	model, action, found := strings.Cut(modelAction, ":")
	if !found || (action != "generateContent" && action != "generateImage") {
		errorResponse(c, http.StatusNotFound, "invalid_request_error", "Unknown action; expected <model>:generateContent")
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body")
		return
	}

	raw, err := h.gateway.GenerateImage(c, user, model, body)
	if err != nil {
		h.mapGatewayError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *GatewayHandler) mapGatewayError(c *gin.Context, err error) {
	var failover *service.UpstreamFailoverError
	switch {
	case errors.Is(err, antigravity.ErrUnsupportedModel):
		errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, service.ErrQuotaExhausted):
		errorResponse(c, http.StatusTooManyRequests, "quota_exhausted", "Upstream quota exhausted, please retry later")
	case errors.Is(err, service.ErrNoAccountAvailable):
		errorResponse(c, http.StatusServiceUnavailable, "no_account_available", "No eligible upstream account for this request")
	case errors.As(err, &failover):
		errorResponse(c, http.StatusBadGateway, "upstream_error", failover.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, "api_error", err.Error())
	}
}

// parseStopSequences accepts OpenAI's "stop" as either a bare string or an
// array of strings.
func parseStopSequences(body []byte) []string {
	stop := gjson.GetBytes(body, "stop")
	switch {
	case !stop.Exists():
		return nil
	case stop.IsArray():
		var out []string
		for _, v := range stop.Array() {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := stop.String(); s != "" {
			return []string{s}
		}
		return nil
	}
}
