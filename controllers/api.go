package controllers

import (
	"net/http"
	"time"

	"deploy-keeper/internal/config"
	"deploy-keeper/internal/logger"
	"deploy-keeper/internal/middleware"
	"deploy-keeper/internal/models"
	"deploy-keeper/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIController struct {
	server *services.ServerService
	cfg    *config.AppConfig
}

/**
 * Create new API controller instance
 * @param {*services.ServerService} server - Server owning the deployment manager
 * @param {*config.AppConfig} cfg - Configuration used for login and metrics
 * @returns {*APIController} New API controller instance
 * @example
 * server := services.NewServerService(cfg)
 * controller := controllers.NewAPIController(server, cfg)
 */
func NewAPIController(server *services.ServerService, cfg *config.AppConfig) *APIController {
	return &APIController{
		server: server,
		cfg:    cfg,
	}
}

/**
 * Register system routes to Gin engine
 * @param {*gin.Engine} r - Gin router instance
 * @description
 * - /healthz and login are never behind the bearer middleware
 * - Prometheus metrics are exposed at metrics.path when enabled
 */
func (a *APIController) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	r.GET("/healthz", a.Healthz)
	r.POST("/deploy/api/v1/login", a.Login)
	r.Group("/deploy/api/v1", mw...).POST("/reload", a.ReloadConfig)
	if a.cfg.Metrics.Enabled {
		r.GET(a.cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
}

// @Summary 重新加载配置
// @Description 重新加载应用配置文件，部署管理器参数需重启后生效
// @Tags Config
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /deploy/api/v1/reload [post]
func (a *APIController) ReloadConfig(c *gin.Context) {
	// 调用配置重新加载方法
	if err := config.ReloadConfig(); err != nil {
		c.JSON(500, gin.H{
			"code":    "config.reload_failed",
			"message": "Failed to reload configuration: " + err.Error(),
		})
		return
	}

	c.JSON(200, gin.H{
		"status":  "success",
		"message": "Configuration reloaded successfully",
	})
}

// @Summary 登录
// @Description 校验用户名密码，签发访问部署接口所需的 Bearer token
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "用户名与密码"
// @Success 200 {object} models.LoginResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /deploy/api/v1/login [post]
func (a *APIController) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := services.CheckCredentials(a.cfg.Auth.Users, req.Username, req.Password); err != nil {
		logger.Warnf("Login of %q rejected", req.Username)
		respondError(c, err)
		return
	}
	ttl := middleware.TokenTTL(&a.cfg.Auth)
	token, err := middleware.GenerateToken(a.cfg.Auth.Secret, req.Username, ttl)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl).Format(time.RFC3339),
	})
}

// @Summary 业务就绪探针
// @Description 返回服务版本、启动时间、健康状态以及部署相关指标
// @Tags System
// @Produce json
// @Success 200 {object} models.HealthResponse
// @Router /healthz [get]
func (a *APIController) Healthz(c *gin.Context) {
	c.JSON(200, a.server.GetHealthz(c.Request.Context()))
}
