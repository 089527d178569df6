package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gravity2api/internal/middleware"
	"gravity2api/internal/service"
)

// NewRouter wires the public gateway surface and the admin surface onto one
// gin engine.
func NewRouter(
	gateway *GatewayHandler,
	admin *AdminHandler,
	userRepo service.UserRepository,
	adminToken string,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	userAuth := middleware.UserAuth(userRepo, adminToken)

	v1 := r.Group("/v1", userAuth)
	{
		v1.GET("/models", gateway.ListModels)
		v1.POST("/chat/completions", gateway.ChatCompletions)
	}

	// Gemini-shaped image surface: /v1beta/models/<model>:generateContent.
	v1beta := r.Group("/v1beta", userAuth)
	{
		v1beta.POST("/models/:modelAction", gateway.GenerateImage)
	}

	adminGroup := r.Group("/admin", middleware.AdminAuth(adminToken))
	{
		adminGroup.POST("/users", admin.CreateUser)
		adminGroup.GET("/users", admin.ListUsers)
		adminGroup.PATCH("/users/:id", admin.UpdateUser)
		adminGroup.GET("/users/:id/quota", admin.UserSharedPools)

		adminGroup.GET("/accounts", admin.ListAccounts)
		adminGroup.PATCH("/accounts/:id", admin.UpdateAccount)
		adminGroup.DELETE("/accounts/:id", admin.DeleteAccount)
		adminGroup.POST("/accounts/:id/probe", admin.ProbeAccount)
		adminGroup.GET("/accounts/:id/quotas", admin.AccountQuotas)
		adminGroup.PUT("/accounts/:id/quotas/:model", admin.SetModelAvailability)

		adminGroup.GET("/quota/shared", admin.SharedPoolView)
		adminGroup.GET("/consumption", admin.ConsumptionReport)

		adminGroup.POST("/oauth/url", admin.OAuthURL)
		adminGroup.POST("/oauth/exchange", admin.OAuthExchange)
	}

	return r
}
